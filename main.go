package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/isdelr/ender-panel/internal/api"
	"github.com/isdelr/ender-panel/internal/api/handlers"
	"github.com/isdelr/ender-panel/internal/archive"
	"github.com/isdelr/ender-panel/internal/auth"
	"github.com/isdelr/ender-panel/internal/config"
	"github.com/isdelr/ender-panel/internal/database"
	"github.com/isdelr/ender-panel/internal/docker"
	"github.com/isdelr/ender-panel/internal/extensions"
	"github.com/isdelr/ender-panel/internal/logger"
	"github.com/isdelr/ender-panel/internal/metrics"
	"github.com/isdelr/ender-panel/internal/monitoring"
	"github.com/isdelr/ender-panel/internal/quiesce"
	"github.com/isdelr/ender-panel/internal/ratelimiter"
	"github.com/isdelr/ender-panel/internal/routing"
	"github.com/isdelr/ender-panel/internal/services"
	"github.com/isdelr/ender-panel/internal/storage"
	"github.com/isdelr/ender-panel/internal/websocket"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	issueToken := flag.String("issue-token", "", "print a JWT for the given subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	authenticator := auth.NewAuthenticator(cfg.Auth.JWTSecret)
	if *issueToken != "" {
		token, err := authenticator.GenerateJWT(*issueToken, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Set up database
	db, err := database.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	reg := metrics.NewRegistry()

	// Set up services
	eventService := services.NewEventService(db, hub)
	settingsService := services.NewSettingsService(db)
	backupService, err := newBackupService(ctx, cfg, eventService, metrics.NewArchiveMetrics(reg))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backup service")
	}

	// First-party routes
	handlerRegistry := routing.NewRegistry()
	api.RegisterHandlers(handlerRegistry, handlers.NewBackupHandler(backupService))

	modules, err := routing.Discover(ctx, cfg.Paths.RoutesDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load route modules")
	}
	core := routing.NewTable()
	core.AddModules(modules)
	if err := core.Validate(handlerRegistry); err != nil {
		log.Fatal().Err(err).Msg("Invalid route module")
	}

	// Extensions
	set, err := extensions.LoadAll(ctx, cfg.Paths.PluginsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load extensions")
	}
	surface, err := extensions.Compose(ctx, set, core, cfg.Paths.ViewsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compose extensions")
	}
	settings := services.NewLayeredSettings(surface, settingsService)
	views := routing.NewViewResolver(surface.ViewPaths()...)

	limiter := ratelimiter.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Set up and run the temp file janitor
	janitor := monitoring.NewJanitor(cfg.Backup.JanitorSchedule, cfg.Backup.StaleAfter, []monitoring.SweepTarget{
		{Dir: cfg.Paths.TempDir, Prefix: services.BackupFilePrefix},
		{Dir: cfg.Paths.UploadDir, Prefix: services.UploadFilePrefix},
	}, limiter)
	if err := janitor.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start janitor")
	}
	defer janitor.Stop()

	// Set up router
	router := api.NewRouter(api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		Table:       surface.Table(),
		Handlers:    handlerRegistry,
		Views:       views,
		Locals: func(*http.Request) map[string]any {
			return map[string]any{"plugins": surface.SettingsEntries()}
		},
		Auth:        authenticator,
		Limiter:     limiter,
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
		Metrics:     metrics.Handler(reg),
		Health:      handlers.NewHealthHandler(db, set.Len(), surface.Table().Len()),
		Events:      handlers.NewEventHandler(eventService),
		Settings:    handlers.NewSettingsHandler(settings, settingsService, surface, extensions.SettingsKey),
		WebSocket:   handlers.NewWebSocketHandler(hub, cfg.Server.CORSOrigins),
	})

	// Set up server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Bool("auth", authenticator.Enabled()).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ListenAndServe failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}

// newBackupService wires the archive manager to the collaborators enabled in cfg.
func newBackupService(ctx context.Context, cfg *config.Config, events services.EventServiceProvider, m metrics.ArchiveMetrics) (*services.BackupService, error) {
	codec := archive.New(
		archive.WithCompressionLevel(cfg.Backup.CompressionLevel),
		archive.WithMaxEntryBytes(cfg.Backup.MaxEntryBytes),
		archive.WithMaxEntries(cfg.Backup.MaxEntries),
	)

	opts := []services.BackupOption{
		services.WithDiskSpace(services.HostDiskSpace{}, cfg.Backup.MinFreeBytes),
		services.WithMaxUploadBytes(cfg.Backup.MaxUploadBytes),
		services.WithArchiveMetrics(m),
	}
	if cfg.RCON.Enabled {
		opts = append(opts, services.WithQuiescer(quiesce.New(cfg.RCON.Host, cfg.RCON.Timeout)))
	}
	if cfg.Docker.Enabled {
		containers, err := docker.New(cfg.Docker.ContainerPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize docker client: %w", err)
		}
		opts = append(opts, services.WithContainers(containers))
	}
	if cfg.Offsite.Enabled {
		sink, err := storage.NewS3Sink(ctx, storage.S3Config{
			Bucket:   cfg.Offsite.Bucket,
			Prefix:   cfg.Offsite.Prefix,
			Region:   cfg.Offsite.Region,
			Endpoint: cfg.Offsite.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize offsite storage: %w", err)
		}
		opts = append(opts, services.WithOffsite(sink))
	}

	return services.NewBackupService(codec, events, services.BackupPaths{
		InstancesRoot: cfg.Paths.InstancesRoot,
		TempDir:       cfg.Paths.TempDir,
		UploadDir:     cfg.Paths.UploadDir,
	}, opts...)
}
