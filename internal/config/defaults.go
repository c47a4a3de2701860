package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("paths.instances_root", "/home/container")
	v.SetDefault("paths.plugins_dir", "./plugins")
	v.SetDefault("paths.routes_dir", "./routes")
	v.SetDefault("paths.views_dir", "./views")
	v.SetDefault("paths.temp_dir", "./backups")
	v.SetDefault("paths.upload_dir", "./uploads")
	v.SetDefault("paths.database_path", "./ender.db")

	v.SetDefault("backup.max_upload_bytes", int64(8<<30))
	v.SetDefault("backup.max_entry_bytes", int64(4<<30))
	v.SetDefault("backup.max_entries", 500_000)
	v.SetDefault("backup.min_free_bytes", uint64(512<<20))
	v.SetDefault("backup.compression_level", 6)
	v.SetDefault("backup.janitor_schedule", "@every 15m")
	v.SetDefault("backup.stale_after", time.Hour)

	v.SetDefault("auth.jwt_secret", "")

	// Six mutating requests per six seconds per client.
	v.SetDefault("rate_limit.requests_per_second", 1.0)
	v.SetDefault("rate_limit.burst", 6)

	v.SetDefault("rcon.enabled", false)
	v.SetDefault("rcon.host", "127.0.0.1")
	v.SetDefault("rcon.timeout", 5*time.Second)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.container_prefix", "ender-")

	v.SetDefault("offsite.enabled", false)
	v.SetDefault("offsite.bucket", "")
	v.SetDefault("offsite.prefix", "backups/")
	v.SetDefault("offsite.region", "")
	v.SetDefault("offsite.endpoint", "")
}
