package monitoring

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// SweepTarget names a directory and the file prefix of the temporary files
// the janitor may delete there.
type SweepTarget struct {
	Dir    string
	Prefix string
}

// IdleSweeper forgets per-client state that has been idle for too long.
type IdleSweeper interface {
	Sweep(idle time.Duration) int
}

// Janitor periodically deletes temporary archives left behind by crashed or
// aborted requests.
type Janitor struct {
	cron       *cron.Cron
	schedule   string
	staleAfter time.Duration
	targets    []SweepTarget
	idle       []IdleSweeper
	now        func() time.Time
}

// NewJanitor creates a janitor that runs on a standard cron schedule
// ("@every 15m", "*/10 * * * *") and removes matching files older than staleAfter.
func NewJanitor(schedule string, staleAfter time.Duration, targets []SweepTarget, idle ...IdleSweeper) *Janitor {
	return &Janitor{
		cron:       cron.New(),
		schedule:   schedule,
		staleAfter: staleAfter,
		targets:    targets,
		idle:       idle,
		now:        time.Now,
	}
}

// Start runs one sweep immediately and then schedules the rest.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.Sweep() }); err != nil {
		return err
	}
	log.Info().Str("schedule", j.schedule).Msg("Starting temp file janitor")
	j.Sweep()
	j.cron.Start()
	return nil
}

// Stop halts the janitor and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	log.Info().Msg("Stopped temp file janitor")
}

// Sweep deletes stale files in every target and returns how many were removed.
func (j *Janitor) Sweep() int {
	cutoff := j.now().Add(-j.staleAfter)
	removed := 0
	for _, t := range j.targets {
		entries, err := os.ReadDir(t.Dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("dir", t.Dir).Msg("Janitor could not list directory")
			}
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), t.Prefix) {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(t.Dir, e.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("path", path).Msg("Janitor could not remove stale file")
				continue
			}
			removed++
		}
	}
	for _, s := range j.idle {
		s.Sweep(j.staleAfter)
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Janitor removed stale temporary archives")
	}
	return removed
}
