// Package lifecycle schedules the memory engine's background maintenance:
// consolidation passes, archival passes and retention cleanup.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/engram/internal/memory"
)

// jobTimeout bounds one full pass over all agents.
const jobTimeout = 10 * time.Minute

// Intervals configures how often each maintenance job runs. A zero interval
// disables that job.
type Intervals struct {
	Consolidation time.Duration
	Archival      time.Duration
	Cleanup       time.Duration
}

// Manager owns the cron scheduler driving the engine's maintenance jobs.
type Manager struct {
	cron   *cron.Cron
	engine *memory.Engine
}

// NewManager registers the maintenance jobs on a fresh scheduler. Jobs do
// not overlap themselves: each fires with its own timeout context and logs
// rather than propagates failures.
func NewManager(engine *memory.Engine, iv Intervals) (*Manager, error) {
	m := &Manager{
		cron:   cron.New(),
		engine: engine,
	}

	if err := m.register("consolidation", iv.Consolidation, engine.RunConsolidationAll); err != nil {
		return nil, err
	}
	if err := m.register("archival", iv.Archival, engine.RunArchivalAll); err != nil {
		return nil, err
	}
	if err := m.register("cleanup", iv.Cleanup, engine.CleanupAll); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) register(name string, every time.Duration, run func(context.Context)) error {
	if every <= 0 {
		log.Debug().Str("job", name).Msg("lifecycle job disabled")
		return nil
	}
	spec := fmt.Sprintf("@every %s", every)
	_, err := m.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		started := time.Now()
		log.Info().Str("job", name).Msg("lifecycle_job_started")
		run(ctx)
		log.Info().Str("job", name).Dur("elapsed", time.Since(started)).Msg("lifecycle_job_finished")
	})
	if err != nil {
		return fmt.Errorf("registering %s job %q: %w", name, spec, err)
	}
	return nil
}

// Start begins executing the registered jobs.
func (m *Manager) Start() {
	m.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Health pings the engine's storage backend.
func (m *Manager) Health(ctx context.Context) error {
	return m.engine.Backend().Ping(ctx)
}

// Entries returns the number of registered cron entries (for testing).
func (m *Manager) Entries() int {
	return len(m.cron.Entries())
}
