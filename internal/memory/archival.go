package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	engramotel "github.com/dativo-io/engram/internal/otel"
)

// AddStrategy validates and persists an archival strategy for an agent.
func (e *Engine) AddStrategy(ctx context.Context, s *ArchivalStrategy) error {
	if s.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	switch s.Type {
	case StrategyCompression, StrategySummarization, StrategyDeletion:
	default:
		return &ValidationError{Field: "type", Reason: "unknown strategy " + s.Type}
	}
	if s.Tier != "" && !ValidTier(s.Tier) {
		return &ValidationError{Field: "tier", Reason: "unknown tier " + string(s.Tier)}
	}
	if s.TriggerAgeDays <= 0 {
		return &ValidationError{Field: "trigger_age_days", Reason: "must be positive"}
	}
	if s.ID == "" {
		s.ID = "strat_" + NewID()[4:]
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return e.backend.SaveStrategy(ctx, s)
}

// Strategies returns the agent's archival strategies in insertion order.
func (e *Engine) Strategies(ctx context.Context, agentID string) ([]ArchivalStrategy, error) {
	return e.backend.Strategies(ctx, agentID)
}

// RunArchivalAll runs one archival pass for every agent in the store.
func (e *Engine) RunArchivalAll(ctx context.Context) {
	agents, err := e.backend.DistinctAgents(ctx)
	if err != nil {
		log.Error().Err(err).Msg("archival: failed to list agents")
		return
	}
	for _, agentID := range agents {
		if _, err := e.RunArchival(ctx, agentID); err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("archival pass failed")
		}
	}
}

// RunArchival applies the agent's enabled archival strategies to records
// older than each strategy's trigger age. Compression and summarization
// write the archive row before deleting originals; a failed archive write
// aborts that batch with the originals untouched. Returns the number of
// records removed from primary storage.
func (e *Engine) RunArchival(ctx context.Context, agentID string) (int, error) {
	ctx, span := tracer.Start(ctx, "memory.archival.run",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	strategies, err := e.backend.Strategies(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("listing strategies: %w", err)
	}

	now := time.Now().UTC()
	removed := 0
	for i := range strategies {
		s := &strategies[i]
		if !s.Enabled {
			continue
		}
		cutoff := now.AddDate(0, 0, -s.TriggerAgeDays)
		aged, err := e.backend.QueryOlderThan(ctx, agentID, s.Tier, cutoff, 0)
		if err != nil {
			log.Error().Err(err).Str("strategy_id", s.ID).Msg("archival candidate query failed")
			continue
		}
		if len(aged) == 0 {
			continue
		}

		var n int
		switch s.Type {
		case StrategyCompression:
			n, err = e.archiveGrouped(ctx, agentID, aged, func(group []Record) (string, error) {
				return compressContents(group), nil
			})
		case StrategySummarization:
			n, err = e.archiveGrouped(ctx, agentID, aged, func(group []Record) (string, error) {
				return e.summarize(ctx, group)
			})
		case StrategyDeletion:
			n, err = e.deleteAged(ctx, agentID, aged)
		}
		removed += n
		if err != nil {
			log.Error().Err(err).Str("strategy_id", s.ID).Str("type", s.Type).
				Msg("archival strategy failed")
		}
	}

	if removed > 0 {
		e.invalidate(agentID)
		log.Info().Int("removed", removed).Str("agent_id", agentID).
			Func(engramotel.LogTraceFields(ctx)).Msg("memory_archival_completed")
	}
	span.SetAttributes(attribute.Int("memory.removed", removed))
	return removed, nil
}

// archiveGrouped buckets records by calendar day, renders one archive per
// bucket and deletes the originals only after the archive row is durable.
func (e *Engine) archiveGrouped(ctx context.Context, agentID string, aged []Record, render func([]Record) (string, error)) (int, error) {
	groups := groupByDay(aged)
	removed := 0
	for _, group := range groups {
		summary, err := render(group)
		if err != nil {
			return removed, fmt.Errorf("rendering archive: %w", err)
		}
		arch := buildArchive(agentID, group, summary)
		if err := e.backend.SaveArchive(ctx, arch); err != nil {
			// originals stay put; the batch retries on the next pass
			return removed, fmt.Errorf("saving archive: %w", err)
		}
		n, err := e.backend.DeleteBatch(ctx, agentID, arch.OriginalIDs)
		if err != nil {
			return removed, fmt.Errorf("deleting archived originals: %w", err)
		}
		removed += int(n)
		archivedBatches.Add(ctx, 1)
	}
	return removed, nil
}

// deleteAged removes aged records outright, sparing ones marked permanent.
func (e *Engine) deleteAged(ctx context.Context, agentID string, aged []Record) (int, error) {
	ids := make([]string, 0, len(aged))
	for i := range aged {
		if truthy(aged[i].Metadata, KeyPermanent) {
			continue
		}
		ids = append(ids, aged[i].ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := e.backend.DeleteBatch(ctx, agentID, ids)
	return int(n), err
}

// summarize renders a group through the configured summarizer, degrading to
// lossless compression when none is configured or the call fails.
func (e *Engine) summarize(ctx context.Context, group []Record) (string, error) {
	if e.summarizer == nil {
		return compressContents(group), nil
	}
	contents := make([]string, len(group))
	for i := range group {
		contents[i] = group[i].Content
	}
	summary, err := e.summarizer.Summarize(ctx, contents)
	if err != nil {
		log.Warn().Err(err).Msg("summarizer failed, falling back to compression")
		return compressContents(group), nil
	}
	return summary, nil
}

// compressContents concatenates the group's contents, most recent last.
func compressContents(group []Record) string {
	parts := make([]string, len(group))
	for i := range group {
		parts[i] = group[i].Content
	}
	return strings.Join(parts, "\n---\n")
}

// groupByDay buckets records by the calendar day of their timestamp and
// returns the buckets oldest day first, each bucket in timestamp order.
func groupByDay(recs []Record) [][]Record {
	byDay := make(map[string][]Record)
	for i := range recs {
		day := recs[i].Timestamp.UTC().Format("2006-01-02")
		byDay[day] = append(byDay[day], recs[i])
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	out := make([][]Record, 0, len(days))
	for _, day := range days {
		group := byDay[day]
		sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })
		out = append(out, group)
	}
	return out
}

// buildArchive assembles the durable row for one day's group. Importance is
// the group maximum so a single significant memory keeps its weight.
func buildArchive(agentID string, group []Record, summary string) *ArchivedMemory {
	arch := &ArchivedMemory{
		ID:          "arch_" + NewID()[4:],
		AgentID:     agentID,
		Summary:     summary,
		Type:        TypeExperience,
		StartDate:   group[0].Timestamp,
		EndDate:     group[0].Timestamp,
		MemoryCount: len(group),
		ArchivedAt:  time.Now().UTC(),
	}
	for i := range group {
		arch.OriginalIDs = append(arch.OriginalIDs, group[i].ID)
		if group[i].Importance > arch.Importance {
			arch.Importance = group[i].Importance
		}
		if group[i].Timestamp.Before(arch.StartDate) {
			arch.StartDate = group[i].Timestamp
		}
		if group[i].Timestamp.After(arch.EndDate) {
			arch.EndDate = group[i].Timestamp
		}
	}
	return arch
}

// CleanupAll runs the retention sweep for every agent using the engine's
// configured retention window.
func (e *Engine) CleanupAll(ctx context.Context) {
	if e.retentionDays <= 0 {
		return
	}
	agents, err := e.backend.DistinctAgents(ctx)
	if err != nil {
		log.Error().Err(err).Msg("cleanup: failed to list agents")
		return
	}
	for _, agentID := range agents {
		if _, err := e.Cleanup(ctx, agentID, e.retentionDays); err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("cleanup pass failed")
		}
	}
}

// Cleanup purges expired short-term records and records older than the
// retention window, sparing ones marked permanent. With archival-on-cleanup
// enabled the aged records are compressed into an archive first. Returns
// the number of records removed.
func (e *Engine) Cleanup(ctx context.Context, agentID string, retentionDays int) (int, error) {
	ctx, span := tracer.Start(ctx, "memory.cleanup.run",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	purged, err := e.backend.DeleteExpired(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("purging expired records: %w", err)
	}

	if retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		aged, err := e.backend.QueryOlderThan(ctx, agentID, "", cutoff, 0)
		if err != nil {
			return int(purged), fmt.Errorf("querying aged records: %w", err)
		}
		kept := aged[:0]
		for i := range aged {
			if !truthy(aged[i].Metadata, KeyPermanent) {
				kept = append(kept, aged[i])
			}
		}
		if len(kept) > 0 {
			var n int
			if e.cleanupArchival {
				n, err = e.archiveGrouped(ctx, agentID, kept, func(group []Record) (string, error) {
					return compressContents(group), nil
				})
			} else {
				ids := make([]string, len(kept))
				for i := range kept {
					ids[i] = kept[i].ID
				}
				var n64 int64
				n64, err = e.backend.DeleteBatch(ctx, agentID, ids)
				n = int(n64)
			}
			purged += int64(n)
			if err != nil {
				return int(purged), err
			}
		}
	}

	if purged > 0 {
		cleanupPurged.Add(ctx, purged)
		e.invalidate(agentID)
		log.Info().Int64("purged", purged).Str("agent_id", agentID).
			Func(engramotel.LogTraceFields(ctx)).Msg("memory_cleanup_completed")
		recordCountGauge(ctx, e.backend, agentID)
	}
	span.SetAttributes(attribute.Int64("memory.purged", purged))
	return int(purged), nil
}
