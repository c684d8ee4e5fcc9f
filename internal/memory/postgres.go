package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS memory_records (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'experience',
    content TEXT NOT NULL,
    embedding JSONB,
    metadata JSONB NOT NULL DEFAULT '{}',
    importance DOUBLE PRECISION NOT NULL DEFAULT 0,
    timestamp TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    tags JSONB NOT NULL DEFAULT '[]',
    duration TEXT NOT NULL DEFAULT 'long_term',
    expires_at TIMESTAMPTZ,
    tier TEXT NOT NULL DEFAULT 'episodic',
    context JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_records_agent_time ON memory_records(agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_records_agent_importance ON memory_records(agent_id, importance);
CREATE INDEX IF NOT EXISTS idx_records_agent_tier_time ON memory_records(agent_id, tier, timestamp);
CREATE INDEX IF NOT EXISTS idx_records_content_fts ON memory_records
    USING GIN (to_tsvector('english', content));

CREATE TABLE IF NOT EXISTS consolidation_rules (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    from_tier TEXT NOT NULL,
    to_tier TEXT NOT NULL,
    condition_type TEXT NOT NULL,
    threshold DOUBLE PRECISION NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_agent ON consolidation_rules(agent_id, created_at);

CREATE TABLE IF NOT EXISTS consolidation_history (
    id BIGSERIAL PRIMARY KEY,
    agent_id TEXT NOT NULL,
    memory_id TEXT NOT NULL,
    from_tier TEXT NOT NULL,
    to_tier TEXT NOT NULL,
    reason TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_agent ON consolidation_history(agent_id, timestamp);

CREATE TABLE IF NOT EXISTS archival_strategies (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    type TEXT NOT NULL,
    tier TEXT NOT NULL,
    trigger_age_days INTEGER NOT NULL,
    config JSONB NOT NULL DEFAULT '{}',
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS archived_memories (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    original_ids JSONB NOT NULL DEFAULT '[]',
    summary TEXT NOT NULL,
    type TEXT NOT NULL,
    importance DOUBLE PRECISION NOT NULL,
    start_date TIMESTAMPTZ NOT NULL,
    end_date TIMESTAMPTZ NOT NULL,
    memory_count INTEGER NOT NULL,
    archived_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS shared_memories (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    memory_id TEXT NOT NULL UNIQUE,
    record JSONB NOT NULL,
    permissions JSONB NOT NULL DEFAULT '["READ"]',
    shared_at TIMESTAMPTZ NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    last_accessed_at TIMESTAMPTZ,
    access_count BIGINT NOT NULL DEFAULT 0
);
`

// pgValidClause mirrors validClause for Postgres, using NOW() so reads carry
// no extra argument.
const pgValidClause = ` AND NOT (duration = 'short_term' AND expires_at IS NOT NULL AND expires_at <= NOW())`

const pgRecordCols = `id, agent_id, type, content, embedding, metadata, importance,
    timestamp, updated_at, tags, duration, expires_at, tier, context`

// PostgresConfig sizes the connection pool.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32         // default 10
	AcquireTimeout time.Duration // default 3s; exceeded acquisitions surface as ConnectionError
}

// PostgresStore is the networked backend behind a bounded pgx connection
// pool. Transient connection errors are retried; semantic errors never are.
type PostgresStore struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPostgresStore connects, sizes the pool, and initializes the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 3 * time.Second
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	return &PostgresStore{pool: pool, acquireTimeout: cfg.AcquireTimeout}, nil
}

func (s *PostgresStore) Capabilities() Capabilities {
	return Capabilities{Vector: true, FullText: true}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, r *Record) error {
	ctx, span := tracer.Start(ctx, "memory.postgres.put",
		trace.WithAttributes(
			attribute.String("agent_id", r.AgentID),
			attribute.String("memory.id", r.ID),
		))
	defer span.End()

	emb, meta, tags, rctx := recordJSONBlobs(r)
	var embArg any
	if emb != "" {
		embArg = emb
	}
	return s.retryTransient(ctx, "put", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO memory_records (
				id, agent_id, type, content, embedding, metadata, importance,
				timestamp, updated_at, tags, duration, expires_at, tier, context
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				agent_id = EXCLUDED.agent_id,
				type = EXCLUDED.type,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata,
				importance = EXCLUDED.importance,
				timestamp = EXCLUDED.timestamp,
				updated_at = EXCLUDED.updated_at,
				tags = EXCLUDED.tags,
				duration = EXCLUDED.duration,
				expires_at = EXCLUDED.expires_at,
				tier = EXCLUDED.tier,
				context = EXCLUDED.context`,
			r.ID, r.AgentID, r.Type, r.Content, embArg, meta, r.Importance,
			r.Timestamp, r.UpdatedAt, tags, string(r.Duration), r.ExpiresAt,
			string(r.Tier), rctx)
		return err
	})
}

func (s *PostgresStore) Get(ctx context.Context, agentID, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "memory.postgres.get",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	recs, err := s.queryRecords(ctx,
		`SELECT `+pgRecordCols+` FROM memory_records WHERE id = $1 AND agent_id = $2`+pgValidClause,
		id, agentID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

func (s *PostgresStore) Delete(ctx context.Context, agentID, id string) error {
	ctx, span := tracer.Start(ctx, "memory.postgres.delete")
	defer span.End()

	var affected int64
	err := s.retryTransient(ctx, "delete", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM memory_records WHERE id = $1 AND agent_id = $2`, id, agentID)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, agentID string) error {
	ctx, span := tracer.Start(ctx, "memory.postgres.clear")
	defer span.End()

	return s.retryTransient(ctx, "clear", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE agent_id = $1`, agentID)
		return err
	})
}

func (s *PostgresStore) QueryRecent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	return s.queryRecords(ctx, pgWithLimit(
		`SELECT `+pgRecordCols+` FROM memory_records WHERE agent_id = $1`+pgValidClause+
			` ORDER BY timestamp DESC`, limit), agentID)
}

func (s *PostgresStore) QueryImportant(ctx context.Context, agentID string, limit int) ([]Record, error) {
	return s.queryRecords(ctx, pgWithLimit(
		`SELECT `+pgRecordCols+` FROM memory_records WHERE agent_id = $1`+pgValidClause+
			` ORDER BY importance DESC, timestamp DESC`, limit), agentID)
}

func (s *PostgresStore) QueryByDuration(ctx context.Context, agentID string, d Duration, limit int) ([]Record, error) {
	order := ` ORDER BY timestamp DESC`
	if d == DurationLongTerm {
		order = ` ORDER BY importance DESC, timestamp DESC`
	}
	return s.queryRecords(ctx, pgWithLimit(
		`SELECT `+pgRecordCols+` FROM memory_records WHERE agent_id = $1 AND duration = $2`+pgValidClause+order, limit),
		agentID, string(d))
}

func (s *PostgresStore) QueryByTier(ctx context.Context, agentID string, tier Tier, limit int) ([]Record, error) {
	return s.queryRecords(ctx, pgWithLimit(
		`SELECT `+pgRecordCols+` FROM memory_records WHERE agent_id = $1 AND tier = $2`+pgValidClause+
			` ORDER BY timestamp DESC`, limit), agentID, string(tier))
}

func (s *PostgresStore) QueryOlderThan(ctx context.Context, agentID string, tier Tier, cutoff time.Time, limit int) ([]Record, error) {
	query := `SELECT ` + pgRecordCols + ` FROM memory_records WHERE agent_id = $1 AND timestamp < $2`
	args := []any{agentID, cutoff}
	if tier != "" {
		query += ` AND tier = $3`
		args = append(args, string(tier))
	}
	query += pgValidClause + ` ORDER BY timestamp ASC`
	return s.queryRecords(ctx, pgWithLimit(query, limit), args...)
}

// SearchText ranks with ts_rank over an english tsvector, tie-broken by
// importance then recency.
func (s *PostgresStore) SearchText(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.postgres.search_text",
		trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	return s.queryRecords(ctx, pgWithLimit(
		`SELECT `+pgRecordCols+` FROM memory_records
		 WHERE agent_id = $1 AND to_tsvector('english', content) @@ plainto_tsquery('english', $2)`+pgValidClause+
			` ORDER BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) DESC,
			  importance DESC, timestamp DESC`, limit),
		agentID, query)
}

func (s *PostgresStore) MatchSubstring(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	pattern := "%" + query + "%"
	return s.queryRecords(ctx, pgWithLimit(
		`SELECT `+pgRecordCols+` FROM memory_records
		 WHERE agent_id = $1 AND (content ILIKE $2 OR tags::text ILIKE $2)`+pgValidClause+
			` ORDER BY importance DESC, timestamp DESC`, limit),
		agentID, pattern)
}

func (s *PostgresStore) SearchBySimilarity(ctx context.Context, agentID string, query []float32, threshold float64, limit int) ([]ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "memory.postgres.search_similarity",
		trace.WithAttributes(attribute.Int("dimensions", len(query))))
	defer span.End()

	candidates, err := s.queryRecords(ctx,
		`SELECT `+pgRecordCols+` FROM memory_records WHERE agent_id = $1 AND embedding IS NOT NULL`+pgValidClause,
		agentID)
	if err != nil {
		return nil, err
	}
	return rankBySimilarity(candidates, query, threshold, limit), nil
}

func (s *PostgresStore) CountEmbedded(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE agent_id = $1 AND embedding IS NOT NULL`+pgValidClause,
		agentID).Scan(&n)
	if err != nil {
		return 0, s.classify("count_embedded", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateTierCAS(ctx context.Context, agentID, id string, from, to Tier) error {
	ctx, span := tracer.Start(ctx, "memory.postgres.update_tier")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_records SET tier = $1, updated_at = NOW() WHERE id = $2 AND agent_id = $3 AND tier = $4`,
		string(to), id, agentID, string(from))
	if err != nil {
		return s.classify("update_tier", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM memory_records WHERE id = $1 AND agent_id = $2`,
			id, agentID).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) DeleteBatch(ctx context.Context, agentID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_records WHERE agent_id = $1 AND id = ANY($2)`, agentID, ids)
	if err != nil {
		return 0, s.classify("delete_batch", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, agentID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_records
		 WHERE agent_id = $1 AND duration = 'short_term' AND expires_at IS NOT NULL AND expires_at <= NOW()`,
		agentID)
	if err != nil {
		return 0, s.classify("delete_expired", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) EnforceMaxRecords(ctx context.Context, agentID string, max int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_records WHERE id IN (
			SELECT id FROM memory_records WHERE agent_id = $1
			ORDER BY timestamp ASC
			OFFSET 0 LIMIT GREATEST((SELECT COUNT(*) FROM memory_records WHERE agent_id = $1) - $2, 0)
		)`, agentID, max)
	if err != nil {
		return 0, s.classify("enforce_max", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context, agentID string) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "memory.postgres.stats")
	defer span.End()

	stats := &Stats{
		ByTier:     make(map[Tier]int64),
		ByDuration: make(map[Duration]int64),
	}
	var oldest, newest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(importance), 0), MIN(timestamp), MAX(timestamp)
		 FROM memory_records WHERE agent_id = $1`+pgValidClause,
		agentID).Scan(&stats.TotalRecords, &stats.AverageImportance, &oldest, &newest)
	if err != nil {
		return nil, s.classify("stats", err)
	}
	stats.OldestTimestamp, stats.NewestTimestamp = oldest, newest

	rows, err := s.pool.Query(ctx,
		`SELECT tier, COUNT(*) FROM memory_records WHERE agent_id = $1`+pgValidClause+` GROUP BY tier`,
		agentID)
	if err != nil {
		return nil, s.classify("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			continue
		}
		stats.ByTier[Tier(tier)] = n
	}

	durRows, err := s.pool.Query(ctx,
		`SELECT duration, COUNT(*) FROM memory_records WHERE agent_id = $1`+pgValidClause+` GROUP BY duration`,
		agentID)
	if err != nil {
		return nil, s.classify("stats", err)
	}
	defer durRows.Close()
	for durRows.Next() {
		var d string
		var n int64
		if err := durRows.Scan(&d, &n); err != nil {
			continue
		}
		stats.ByDuration[Duration(d)] = n
	}

	_ = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM shared_memories WHERE agent_id = $1`, agentID).Scan(&stats.SharedEntries)
	_ = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM archived_memories WHERE agent_id = $1`, agentID).Scan(&stats.ArchivedBatches)
	return stats, nil
}

func (s *PostgresStore) DistinctAgents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT agent_id FROM memory_records`)
	if err != nil {
		return nil, s.classify("distinct_agents", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) SaveRule(ctx context.Context, rule *ConsolidationRule) error {
	return s.retryTransient(ctx, "save_rule", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO consolidation_rules (id, agent_id, from_tier, to_tier, condition_type, threshold, enabled, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				from_tier = EXCLUDED.from_tier,
				to_tier = EXCLUDED.to_tier,
				condition_type = EXCLUDED.condition_type,
				threshold = EXCLUDED.threshold,
				enabled = EXCLUDED.enabled`,
			rule.ID, rule.AgentID, string(rule.FromTier), string(rule.ToTier),
			rule.Condition, rule.Threshold, rule.Enabled, rule.CreatedAt)
		return err
	})
}

func (s *PostgresStore) Rules(ctx context.Context, agentID string) ([]ConsolidationRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, from_tier, to_tier, condition_type, threshold, enabled, created_at
		 FROM consolidation_rules WHERE agent_id = $1 ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, s.classify("rules", err)
	}
	defer rows.Close()

	var rules []ConsolidationRule
	for rows.Next() {
		var r ConsolidationRule
		var from, to string
		if err := rows.Scan(&r.ID, &r.AgentID, &from, &to, &r.Condition, &r.Threshold, &r.Enabled, &r.CreatedAt); err != nil {
			continue
		}
		r.FromTier, r.ToTier = Tier(from), Tier(to)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consolidation_history (agent_id, memory_id, from_tier, to_tier, reason, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		h.AgentID, h.MemoryID, string(h.FromTier), string(h.ToTier), h.Reason, h.Timestamp)
	if err != nil {
		return s.classify("append_history", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, pgWithLimit(
		`SELECT id, agent_id, memory_id, from_tier, to_tier, reason, timestamp
		 FROM consolidation_history WHERE agent_id = $1 ORDER BY timestamp DESC, id DESC`, limit), agentID)
	if err != nil {
		return nil, s.classify("history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var from, to string
		if err := rows.Scan(&h.ID, &h.AgentID, &h.MemoryID, &from, &to, &h.Reason, &h.Timestamp); err != nil {
			continue
		}
		h.FromTier, h.ToTier = Tier(from), Tier(to)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SaveStrategy(ctx context.Context, st *ArchivalStrategy) error {
	cfgJSON, _ := json.Marshal(st.Config)
	if st.Config == nil {
		cfgJSON = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archival_strategies (id, agent_id, type, tier, trigger_age_days, config, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			tier = EXCLUDED.tier,
			trigger_age_days = EXCLUDED.trigger_age_days,
			config = EXCLUDED.config,
			enabled = EXCLUDED.enabled`,
		st.ID, st.AgentID, st.Type, string(st.Tier), st.TriggerAgeDays,
		string(cfgJSON), st.Enabled, st.CreatedAt)
	if err != nil {
		return s.classify("save_strategy", err)
	}
	return nil
}

func (s *PostgresStore) Strategies(ctx context.Context, agentID string) ([]ArchivalStrategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, type, tier, trigger_age_days, config, enabled, created_at
		 FROM archival_strategies WHERE agent_id = $1 ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, s.classify("strategies", err)
	}
	defer rows.Close()

	var strategies []ArchivalStrategy
	for rows.Next() {
		var st ArchivalStrategy
		var tier string
		var cfgJSON []byte
		if err := rows.Scan(&st.ID, &st.AgentID, &st.Type, &tier, &st.TriggerAgeDays, &cfgJSON, &st.Enabled, &st.CreatedAt); err != nil {
			continue
		}
		st.Tier = Tier(tier)
		_ = json.Unmarshal(cfgJSON, &st.Config)
		strategies = append(strategies, st)
	}
	return strategies, rows.Err()
}

func (s *PostgresStore) SaveArchive(ctx context.Context, a *ArchivedMemory) error {
	idsJSON, _ := json.Marshal(a.OriginalIDs)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO archived_memories (id, agent_id, original_ids, summary, type, importance, start_date, end_date, memory_count, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.AgentID, string(idsJSON), a.Summary, a.Type, a.Importance,
		a.StartDate, a.EndDate, a.MemoryCount, a.ArchivedAt)
	if err != nil {
		return s.classify("save_archive", err)
	}
	return nil
}

func (s *PostgresStore) Archives(ctx context.Context, agentID string, limit int) ([]ArchivedMemory, error) {
	rows, err := s.pool.Query(ctx, pgWithLimit(
		`SELECT id, agent_id, original_ids, summary, type, importance, start_date, end_date, memory_count, archived_at
		 FROM archived_memories WHERE agent_id = $1 ORDER BY archived_at DESC`, limit), agentID)
	if err != nil {
		return nil, s.classify("archives", err)
	}
	defer rows.Close()

	var archives []ArchivedMemory
	for rows.Next() {
		var a ArchivedMemory
		var idsJSON []byte
		if err := rows.Scan(&a.ID, &a.AgentID, &idsJSON, &a.Summary, &a.Type, &a.Importance,
			&a.StartDate, &a.EndDate, &a.MemoryCount, &a.ArchivedAt); err != nil {
			continue
		}
		_ = json.Unmarshal(idsJSON, &a.OriginalIDs)
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func (s *PostgresStore) SaveShared(ctx context.Context, e *SharedEntry) error {
	recJSON, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("encoding shared snapshot: %w", err)
	}
	permsJSON, _ := json.Marshal(e.Permissions)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO shared_memories (id, agent_id, memory_id, record, permissions, shared_at, version, last_accessed_at, access_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (memory_id) DO UPDATE SET
			record = EXCLUDED.record,
			permissions = EXCLUDED.permissions,
			shared_at = EXCLUDED.shared_at,
			version = EXCLUDED.version`,
		e.ID, e.AgentID, e.Record.ID, string(recJSON), string(permsJSON),
		e.SharedAt, e.Version, e.LastAccessedAt, e.AccessCount)
	if err != nil {
		return s.classify("save_shared", err)
	}
	return nil
}

func (s *PostgresStore) SharedByMemory(ctx context.Context, memoryID string) (*SharedEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, record, permissions, shared_at, version, last_accessed_at, access_count
		 FROM shared_memories WHERE memory_id = $1`, memoryID)
	e, err := scanPgShared(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.classify("shared_by_memory", err)
	}
	return e, nil
}

func (s *PostgresStore) ListShared(ctx context.Context) ([]SharedEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, record, permissions, shared_at, version, last_accessed_at, access_count
		 FROM shared_memories ORDER BY shared_at DESC`)
	if err != nil {
		return nil, s.classify("list_shared", err)
	}
	defer rows.Close()

	var entries []SharedEntry
	for rows.Next() {
		e, err := scanPgShared(rows)
		if err != nil {
			continue
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) TouchShared(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE shared_memories SET access_count = access_count + 1, last_accessed_at = $1 WHERE id = ANY($2)`,
		at, ids)
	return err
}

func (s *PostgresStore) DeleteShared(ctx context.Context, agentID, memoryID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM shared_memories WHERE agent_id = $1 AND memory_id = $2`, agentID, memoryID)
	if err != nil {
		return s.classify("delete_shared", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify("query", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var r Record
		var embJSON, metaJSON, tagsJSON, ctxJSON []byte
		var duration, tier string
		var expires *time.Time
		if err := rows.Scan(
			&r.ID, &r.AgentID, &r.Type, &r.Content, &embJSON, &metaJSON, &r.Importance,
			&r.Timestamp, &r.UpdatedAt, &tagsJSON, &duration, &expires, &tier, &ctxJSON,
		); err != nil {
			continue
		}
		r.Duration, r.Tier = Duration(duration), Tier(tier)
		r.ExpiresAt = expires
		decodeRecordBlobs(&r, string(embJSON), string(metaJSON), string(tagsJSON), string(ctxJSON))
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanPgShared(row pgx.Row) (*SharedEntry, error) {
	var e SharedEntry
	var recJSON, permsJSON []byte
	var accessed *time.Time
	if err := row.Scan(&e.ID, &e.AgentID, &recJSON, &permsJSON, &e.SharedAt, &e.Version, &accessed, &e.AccessCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recJSON, &e.Record); err != nil {
		return nil, fmt.Errorf("decoding shared snapshot: %w", err)
	}
	_ = json.Unmarshal(permsJSON, &e.Permissions)
	e.LastAccessedAt = accessed
	return &e, nil
}

// retryTransient runs fn, retrying only transient connection failures.
// Semantic errors (constraint violations, bad SQL) return immediately.
func (s *PostgresStore) retryTransient(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &ConnectionError{Op: op, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return &ConnectionError{Op: op, Err: lastErr}
}

// classify wraps transport-level failures in ConnectionError and passes
// semantic errors through untouched.
func (s *PostgresStore) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return &ConnectionError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransient reports whether the error is a connection-level failure worth
// retrying: network errors, closed pools, and anything pgconn marks safe.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "closed pool") ||
		strings.Contains(msg, "conn closed")
}

func pgWithLimit(query string, limit int) string {
	if limit > 0 {
		return query + fmt.Sprintf(` LIMIT %d`, limit)
	}
	return query
}
