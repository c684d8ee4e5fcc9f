package memory

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/dativo-io/engram/internal/memory")

var (
	storesTotal        metric.Int64Counter
	retrievalsTotal    metric.Int64Counter
	searchFallbacks    metric.Int64Counter
	cacheHits          metric.Int64Counter
	consolidationMoves metric.Int64Counter
	consolidationSkips metric.Int64Counter
	archivedBatches    metric.Int64Counter
	cleanupPurged      metric.Int64Counter
	recordsGauge       metric.Int64Gauge
	sharedReadsTotal   metric.Int64Counter
	sharedEntriesTotal metric.Int64Counter
)

func init() {
	var err error
	storesTotal, err = meter.Int64Counter("memory.stores.total",
		metric.WithDescription("Total record upserts"))
	if err != nil {
		storesTotal, _ = meter.Int64Counter("memory.stores.total.fallback")
	}

	retrievalsTotal, err = meter.Int64Counter("memory.retrievals.total",
		metric.WithDescription("Total retrieve and search calls"))
	if err != nil {
		retrievalsTotal, _ = meter.Int64Counter("memory.retrievals.total.fallback")
	}

	searchFallbacks, err = meter.Int64Counter("memory.search.fallbacks",
		metric.WithDescription("Vector searches degraded to recency retrieval"))
	if err != nil {
		searchFallbacks, _ = meter.Int64Counter("memory.search.fallbacks.fallback")
	}

	cacheHits, err = meter.Int64Counter("memory.cache.hits",
		metric.WithDescription("Retrieval read-cache hits"))
	if err != nil {
		cacheHits, _ = meter.Int64Counter("memory.cache.hits.fallback")
	}

	consolidationMoves, err = meter.Int64Counter("memory.consolidation.moves",
		metric.WithDescription("Records migrated between tiers"))
	if err != nil {
		consolidationMoves, _ = meter.Int64Counter("memory.consolidation.moves.fallback")
	}

	consolidationSkips, err = meter.Int64Counter("memory.consolidation.conflicts",
		metric.WithDescription("Tier transitions skipped after losing the compare-and-set"))
	if err != nil {
		consolidationSkips, _ = meter.Int64Counter("memory.consolidation.conflicts.fallback")
	}

	archivedBatches, err = meter.Int64Counter("memory.archival.batches",
		metric.WithDescription("Archive batches durably written"))
	if err != nil {
		archivedBatches, _ = meter.Int64Counter("memory.archival.batches.fallback")
	}

	cleanupPurged, err = meter.Int64Counter("memory.cleanup.purged",
		metric.WithDescription("Records removed by retention cleanup"))
	if err != nil {
		cleanupPurged, _ = meter.Int64Counter("memory.cleanup.purged.fallback")
	}

	recordsGauge, err = meter.Int64Gauge("memory.records.count",
		metric.WithDescription("Record count for the most recently mutated agent"))
	if err != nil {
		recordsGauge, _ = meter.Int64Gauge("memory.records.count.fallback")
	}

	sharedReadsTotal, err = meter.Int64Counter("memory.shared.reads",
		metric.WithDescription("Shared pool read operations"))
	if err != nil {
		sharedReadsTotal, _ = meter.Int64Counter("memory.shared.reads.fallback")
	}

	sharedEntriesTotal, err = meter.Int64Counter("memory.shared.entries",
		metric.WithDescription("Share operations, both new entries and re-shares"))
	if err != nil {
		sharedEntriesTotal, _ = meter.Int64Counter("memory.shared.entries.fallback")
	}
}

// recordCountGauge refreshes the record gauge after a mutation.
func recordCountGauge(ctx context.Context, b Backend, agentID string) {
	stats, err := b.Stats(ctx, agentID)
	if err != nil {
		return
	}
	recordsGauge.Record(ctx, stats.TotalRecords)
}
