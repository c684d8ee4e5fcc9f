package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	engramotel "github.com/dativo-io/engram/internal/otel"
)

var tracer = engramotel.Tracer("github.com/dativo-io/engram/internal/memory")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memory_records (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    type TEXT NOT NULL DEFAULT 'experience',
    content TEXT NOT NULL,
    embedding TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    importance REAL NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]',
    duration TEXT NOT NULL DEFAULT 'long_term',
    expires_at TIMESTAMP,
    tier TEXT NOT NULL DEFAULT 'episodic',
    context TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_records_agent_time ON memory_records(agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_records_agent_importance ON memory_records(agent_id, importance);
CREATE INDEX IF NOT EXISTS idx_records_agent_tier_time ON memory_records(agent_id, tier, timestamp);

CREATE TABLE IF NOT EXISTS consolidation_rules (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    from_tier TEXT NOT NULL,
    to_tier TEXT NOT NULL,
    condition_type TEXT NOT NULL,
    threshold REAL NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_agent ON consolidation_rules(agent_id, created_at);

CREATE TABLE IF NOT EXISTS consolidation_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL,
    memory_id TEXT NOT NULL,
    from_tier TEXT NOT NULL,
    to_tier TEXT NOT NULL,
    reason TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_agent ON consolidation_history(agent_id, timestamp);

CREATE TABLE IF NOT EXISTS archival_strategies (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    type TEXT NOT NULL,
    tier TEXT NOT NULL,
    trigger_age_days INTEGER NOT NULL,
    config TEXT NOT NULL DEFAULT '{}',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_strategies_agent ON archival_strategies(agent_id, created_at);

CREATE TABLE IF NOT EXISTS archived_memories (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    original_ids TEXT NOT NULL DEFAULT '[]',
    summary TEXT NOT NULL,
    type TEXT NOT NULL,
    importance REAL NOT NULL,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP NOT NULL,
    memory_count INTEGER NOT NULL,
    archived_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_agent ON archived_memories(agent_id, archived_at);

CREATE TABLE IF NOT EXISTS shared_memories (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    memory_id TEXT NOT NULL UNIQUE,
    record TEXT NOT NULL,
    permissions TEXT NOT NULL DEFAULT '["READ"]',
    shared_at TIMESTAMP NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    last_accessed_at TIMESTAMP,
    access_count INTEGER NOT NULL DEFAULT 0
);
`

const sqliteFTSSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
    content, tags,
    content=memory_records,
    content_rowid=rowid
);

CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON memory_records BEGIN
    INSERT INTO records_fts(rowid, content, tags)
    VALUES (new.rowid, new.content, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON memory_records BEGIN
    INSERT INTO records_fts(records_fts, rowid, content, tags)
    VALUES ('delete', old.rowid, old.content, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON memory_records BEGIN
    INSERT INTO records_fts(records_fts, rowid, content, tags)
    VALUES ('delete', old.rowid, old.content, old.tags);
    INSERT INTO records_fts(rowid, content, tags)
    VALUES (new.rowid, new.content, new.tags);
END;
`

// recordCols is the column list every record query selects, in scan order.
const recordCols = `id, agent_id, type, content, embedding, metadata, importance,
    timestamp, updated_at, tags, duration, expires_at, tier, context`

// validClause excludes expired short-term records. Appended to every read
// query with one time argument; this is the sole expiry mechanism outside
// the explicit cleanup sweep.
const validClause = ` AND NOT (duration = 'short_term' AND expires_at IS NOT NULL AND expires_at <= ?)`

// SQLiteStore is the embedded single-file backend: synchronous disk I/O, no
// network, FTS5 full-text search when the SQLite build supports it (degrades
// to LIKE matching via MatchSubstring otherwise). Vector capability is an
// in-process cosine scan over JSON-encoded embeddings.
type SQLiteStore struct {
	db      *sql.DB
	hasFTS5 bool
}

// NewSQLiteStore opens (or creates) the store at dbPath and initializes the
// schema. WAL mode plus a busy timeout keep concurrent foreground and
// background writers from failing fast on lock contention.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}

	hasFTS5 := true
	if _, err := db.ExecContext(context.Background(), sqliteFTSSchema); err != nil {
		hasFTS5 = false
	}

	return &SQLiteStore{db: db, hasFTS5: hasFTS5}, nil
}

// Capabilities reports vector always (in-process scan) and full-text only
// when the FTS5 virtual table could be created.
func (s *SQLiteStore) Capabilities() Capabilities {
	return Capabilities{Vector: true, FullText: s.hasFTS5}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put upserts a record by id. ON CONFLICT DO UPDATE (rather than INSERT OR
// REPLACE) so the FTS update trigger fires and the index stays in sync.
func (s *SQLiteStore) Put(ctx context.Context, r *Record) error {
	ctx, span := tracer.Start(ctx, "memory.sqlite.put",
		trace.WithAttributes(
			attribute.String("agent_id", r.AgentID),
			attribute.String("memory.id", r.ID),
		))
	defer span.End()

	embJSON, metaJSON, tagsJSON, ctxJSON := recordJSONBlobs(r)
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_records (
				id, agent_id, type, content, embedding, metadata, importance,
				timestamp, updated_at, tags, duration, expires_at, tier, context
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				agent_id = excluded.agent_id,
				type = excluded.type,
				content = excluded.content,
				embedding = excluded.embedding,
				metadata = excluded.metadata,
				importance = excluded.importance,
				timestamp = excluded.timestamp,
				updated_at = excluded.updated_at,
				tags = excluded.tags,
				duration = excluded.duration,
				expires_at = excluded.expires_at,
				tier = excluded.tier,
				context = excluded.context`,
			r.ID, r.AgentID, r.Type, r.Content, embJSON, metaJSON, r.Importance,
			r.Timestamp, r.UpdatedAt, tagsJSON, string(r.Duration), nullableTime(r.ExpiresAt),
			string(r.Tier), ctxJSON)
		if err != nil {
			return fmt.Errorf("writing memory record: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, agentID, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.get",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	rows, err := s.queryRecords(ctx,
		`SELECT `+recordCols+` FROM memory_records WHERE id = ? AND agent_id = ?`+validClause,
		id, agentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (s *SQLiteStore) Delete(ctx context.Context, agentID, id string) error {
	ctx, span := tracer.Start(ctx, "memory.sqlite.delete",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	var affected int64
	err := s.execRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_records WHERE id = ? AND agent_id = ?`, id, agentID)
		if err != nil {
			return fmt.Errorf("deleting memory record: %w", err)
		}
		affected, _ = result.RowsAffected()
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

// Clear removes all records for an agent. Zero rows affected is a no-op, not
// an error.
func (s *SQLiteStore) Clear(ctx context.Context, agentID string) error {
	ctx, span := tracer.Start(ctx, "memory.sqlite.clear",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	return s.execRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_records WHERE agent_id = ?`, agentID); err != nil {
			return fmt.Errorf("clearing agent memory: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) QueryRecent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.query_recent")
	defer span.End()
	return s.queryRecords(ctx, withLimit(
		`SELECT `+recordCols+` FROM memory_records WHERE agent_id = ?`+validClause+
			` ORDER BY timestamp DESC`, limit),
		agentID, time.Now().UTC())
}

func (s *SQLiteStore) QueryImportant(ctx context.Context, agentID string, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.query_important")
	defer span.End()
	return s.queryRecords(ctx, withLimit(
		`SELECT `+recordCols+` FROM memory_records WHERE agent_id = ?`+validClause+
			` ORDER BY importance DESC, timestamp DESC`, limit),
		agentID, time.Now().UTC())
}

// QueryByDuration orders short-term by recency and long-term by importance,
// each duration's natural default.
func (s *SQLiteStore) QueryByDuration(ctx context.Context, agentID string, d Duration, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.query_by_duration",
		trace.WithAttributes(attribute.String("duration", string(d))))
	defer span.End()

	order := ` ORDER BY timestamp DESC`
	if d == DurationLongTerm {
		order = ` ORDER BY importance DESC, timestamp DESC`
	}
	return s.queryRecords(ctx, withLimit(
		`SELECT `+recordCols+` FROM memory_records WHERE agent_id = ? AND duration = ?`+validClause+order, limit),
		agentID, string(d), time.Now().UTC())
}

func (s *SQLiteStore) QueryByTier(ctx context.Context, agentID string, tier Tier, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.query_by_tier",
		trace.WithAttributes(attribute.String("tier", string(tier))))
	defer span.End()
	return s.queryRecords(ctx, withLimit(
		`SELECT `+recordCols+` FROM memory_records WHERE agent_id = ? AND tier = ?`+validClause+
			` ORDER BY timestamp DESC`, limit),
		agentID, string(tier), time.Now().UTC())
}

func (s *SQLiteStore) QueryOlderThan(ctx context.Context, agentID string, tier Tier, cutoff time.Time, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.query_older_than")
	defer span.End()

	query := `SELECT ` + recordCols + ` FROM memory_records WHERE agent_id = ? AND timestamp < ?`
	args := []any{agentID, cutoff}
	if tier != "" {
		query += ` AND tier = ?`
		args = append(args, string(tier))
	}
	query += validClause
	args = append(args, time.Now().UTC())
	return s.queryRecords(ctx, withLimit(query+` ORDER BY timestamp ASC`, limit), args...)
}

// SearchText runs ranked FTS5 search, tie-broken by importance then recency.
// Returns ErrUnsupported when this SQLite build lacks FTS5.
func (s *SQLiteStore) SearchText(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.search_text",
		trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	if !s.hasFTS5 {
		return nil, fmt.Errorf("full-text search: %w", ErrUnsupported)
	}
	return s.queryRecords(ctx, withLimit(
		`SELECT `+prefixCols("m")+` FROM memory_records m
		 JOIN records_fts f ON m.rowid = f.rowid
		 WHERE f.records_fts MATCH ? AND m.agent_id = ?`+
			strings.ReplaceAll(validClause, "duration", "m.duration")+
			` ORDER BY rank, m.importance DESC, m.timestamp DESC`, limit),
		query, agentID, time.Now().UTC())
}

// MatchSubstring is the LIKE-based lexical fallback over content and tags.
func (s *SQLiteStore) MatchSubstring(ctx context.Context, agentID, query string, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.match_substring")
	defer span.End()

	pattern := "%" + query + "%"
	return s.queryRecords(ctx, withLimit(
		`SELECT `+recordCols+` FROM memory_records
		 WHERE agent_id = ? AND (content LIKE ? OR tags LIKE ?)`+validClause+
			` ORDER BY importance DESC, timestamp DESC`, limit),
		agentID, pattern, pattern, time.Now().UTC())
}

// SearchBySimilarity scans embedded records and ranks them by cosine
// similarity in process. Dimension mismatches score 0 and fall below any
// non-negative threshold.
func (s *SQLiteStore) SearchBySimilarity(ctx context.Context, agentID string, query []float32, threshold float64, limit int) ([]ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.search_similarity",
		trace.WithAttributes(attribute.Int("dimensions", len(query))))
	defer span.End()

	candidates, err := s.queryRecords(ctx,
		`SELECT `+recordCols+` FROM memory_records WHERE agent_id = ? AND embedding != ''`+validClause,
		agentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	results := rankBySimilarity(candidates, query, threshold, limit)
	span.SetAttributes(
		attribute.Int("memory.candidates", len(candidates)),
		attribute.Int("memory.matches", len(results)),
	)
	return results, nil
}

func (s *SQLiteStore) CountEmbedded(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE agent_id = ? AND embedding != ''`+validClause,
		agentID, time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting embedded records: %w", err)
	}
	return n, nil
}

// UpdateTierCAS moves a record between tiers only while the stored tier still
// equals from, guarding against a concurrent transition.
func (s *SQLiteStore) UpdateTierCAS(ctx context.Context, agentID, id string, from, to Tier) error {
	ctx, span := tracer.Start(ctx, "memory.sqlite.update_tier",
		trace.WithAttributes(
			attribute.String("memory.id", id),
			attribute.String("from_tier", string(from)),
			attribute.String("to_tier", string(to)),
		))
	defer span.End()

	var affected int64
	err := s.execRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE memory_records SET tier = ?, updated_at = ? WHERE id = ? AND agent_id = ? AND tier = ?`,
			string(to), time.Now().UTC(), id, agentID, string(from))
		if err != nil {
			return fmt.Errorf("updating tier: %w", err)
		}
		affected, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memory_records WHERE id = ? AND agent_id = ?`,
			id, agentID).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) DeleteBatch(ctx context.Context, agentID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "memory.sqlite.delete_batch",
		trace.WithAttributes(attribute.Int("batch_size", len(ids))))
	defer span.End()

	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, agentID)
	for _, id := range ids {
		args = append(args, id)
	}

	var affected int64
	err := s.execRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_records WHERE agent_id = ? AND id IN (`+placeholders[:len(placeholders)-1]+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("deleting record batch: %w", err)
		}
		affected, _ = result.RowsAffected()
		return nil
	})
	return affected, err
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, agentID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.delete_expired")
	defer span.End()

	var affected int64
	err := s.execRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_records
			 WHERE agent_id = ? AND duration = 'short_term' AND expires_at IS NOT NULL AND expires_at <= ?`,
			agentID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("deleting expired records: %w", err)
		}
		affected, _ = result.RowsAffected()
		return nil
	})
	span.SetAttributes(attribute.Int64("memory.expired", affected))
	return affected, err
}

// EnforceMaxRecords deletes the oldest records when the count exceeds max (FIFO).
func (s *SQLiteStore) EnforceMaxRecords(ctx context.Context, agentID string, max int) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.enforce_max",
		trace.WithAttributes(attribute.Int("max_records", max)))
	defer span.End()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE agent_id = ?`, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	if count <= max {
		return 0, nil
	}

	var affected int64
	err = s.execRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_records WHERE id IN (
				SELECT id FROM memory_records WHERE agent_id = ?
				ORDER BY timestamp ASC LIMIT ?
			)`, agentID, count-max)
		if err != nil {
			return fmt.Errorf("enforcing max records: %w", err)
		}
		affected, _ = result.RowsAffected()
		return nil
	})
	span.SetAttributes(attribute.Int64("memory.evicted", affected))
	return affected, err
}

func (s *SQLiteStore) Stats(ctx context.Context, agentID string) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "memory.sqlite.stats")
	defer span.End()

	now := time.Now().UTC()
	stats := &Stats{
		ByTier:     make(map[Tier]int64),
		ByDuration: make(map[Duration]int64),
	}

	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(importance), 0), MIN(timestamp), MAX(timestamp)
		 FROM memory_records WHERE agent_id = ?`+validClause,
		agentID, now).Scan(&stats.TotalRecords, &stats.AverageImportance, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("aggregating stats: %w", err)
	}
	if t, ok := scanTime(oldest.String); ok && oldest.Valid {
		stats.OldestTimestamp = &t
	}
	if t, ok := scanTime(newest.String); ok && newest.Valid {
		stats.NewestTimestamp = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, COUNT(*) FROM memory_records WHERE agent_id = ?`+validClause+` GROUP BY tier`,
		agentID, now)
	if err != nil {
		return nil, fmt.Errorf("counting by tier: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	durRows, err := s.db.QueryContext(ctx,
		`SELECT duration, COUNT(*) FROM memory_records WHERE agent_id = ?`+validClause+` GROUP BY duration`,
		agentID, now)
	if err != nil {
		return nil, fmt.Errorf("counting by duration: %w", err)
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
	if err := durRows.Err(); err != nil {
		return nil, err
	}

	_ = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shared_memories WHERE agent_id = ?`, agentID).Scan(&stats.SharedEntries)
	_ = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archived_memories WHERE agent_id = ?`, agentID).Scan(&stats.ArchivedBatches)

	return stats, nil
}

func (s *SQLiteStore) DistinctAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM memory_records`)
	if err != nil {
		return nil, fmt.Errorf("querying distinct agents: %w", err)
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

func (s *SQLiteStore) SaveRule(ctx context.Context, rule *ConsolidationRule) error {
	ctx, span := tracer.Start(ctx, "memory.sqlite.save_rule")
	defer span.End()

	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO consolidation_rules (id, agent_id, from_tier, to_tier, condition_type, threshold, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				from_tier = excluded.from_tier,
				to_tier = excluded.to_tier,
				condition_type = excluded.condition_type,
				threshold = excluded.threshold,
				enabled = excluded.enabled`,
			rule.ID, rule.AgentID, string(rule.FromTier), string(rule.ToTier),
			rule.Condition, rule.Threshold, rule.Enabled, rule.CreatedAt)
		if err != nil {
			return fmt.Errorf("saving consolidation rule: %w", err)
		}
		return nil
	})
}

// Rules returns an agent's rules in insertion order; "first rule wins"
// semantics in the consolidation pass depend on this ordering.
func (s *SQLiteStore) Rules(ctx context.Context, agentID string) ([]ConsolidationRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, from_tier, to_tier, condition_type, threshold, enabled, created_at
		 FROM consolidation_rules WHERE agent_id = ? ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing consolidation rules: %w", err)
	}
	defer rows.Close()

	var rules []ConsolidationRule
	for rows.Next() {
		var r ConsolidationRule
		var from, to string
		var created any
		if err := rows.Scan(&r.ID, &r.AgentID, &from, &to, &r.Condition, &r.Threshold, &r.Enabled, &created); err != nil {
			continue
		}
		r.FromTier, r.ToTier = Tier(from), Tier(to)
		if t, ok := scanTime(created); ok {
			r.CreatedAt = t
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO consolidation_history (agent_id, memory_id, from_tier, to_tier, reason, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			h.AgentID, h.MemoryID, string(h.FromTier), string(h.ToTier), h.Reason, h.Timestamp)
		if err != nil {
			return fmt.Errorf("appending consolidation history: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) History(ctx context.Context, agentID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, withLimit(
		`SELECT id, agent_id, memory_id, from_tier, to_tier, reason, timestamp
		 FROM consolidation_history WHERE agent_id = ? ORDER BY timestamp DESC, id DESC`, limit), agentID)
	if err != nil {
		return nil, fmt.Errorf("listing consolidation history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var from, to string
		var ts any
		if err := rows.Scan(&h.ID, &h.AgentID, &h.MemoryID, &from, &to, &h.Reason, &ts); err != nil {
			continue
		}
		h.FromTier, h.ToTier = Tier(from), Tier(to)
		if t, ok := scanTime(ts); ok {
			h.Timestamp = t
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *ArchivalStrategy) error {
	cfgJSON, _ := json.Marshal(st.Config)
	if st.Config == nil {
		cfgJSON = []byte("{}")
	}
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO archival_strategies (id, agent_id, type, tier, trigger_age_days, config, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				tier = excluded.tier,
				trigger_age_days = excluded.trigger_age_days,
				config = excluded.config,
				enabled = excluded.enabled`,
			st.ID, st.AgentID, st.Type, string(st.Tier), st.TriggerAgeDays,
			string(cfgJSON), st.Enabled, st.CreatedAt)
		if err != nil {
			return fmt.Errorf("saving archival strategy: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Strategies(ctx context.Context, agentID string) ([]ArchivalStrategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, type, tier, trigger_age_days, config, enabled, created_at
		 FROM archival_strategies WHERE agent_id = ? ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing archival strategies: %w", err)
	}
	defer rows.Close()

	var strategies []ArchivalStrategy
	for rows.Next() {
		var st ArchivalStrategy
		var tier, cfgJSON string
		var created any
		if err := rows.Scan(&st.ID, &st.AgentID, &st.Type, &tier, &st.TriggerAgeDays, &cfgJSON, &st.Enabled, &created); err != nil {
			continue
		}
		st.Tier = Tier(tier)
		_ = json.Unmarshal([]byte(cfgJSON), &st.Config)
		if t, ok := scanTime(created); ok {
			st.CreatedAt = t
		}
		strategies = append(strategies, st)
	}
	return strategies, rows.Err()
}

func (s *SQLiteStore) SaveArchive(ctx context.Context, a *ArchivedMemory) error {
	ctx, span := tracer.Start(ctx, "memory.sqlite.save_archive",
		trace.WithAttributes(attribute.Int("memory_count", a.MemoryCount)))
	defer span.End()

	idsJSON, _ := json.Marshal(a.OriginalIDs)
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO archived_memories (id, agent_id, original_ids, summary, type, importance, start_date, end_date, memory_count, archived_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.AgentID, string(idsJSON), a.Summary, a.Type, a.Importance,
			a.StartDate, a.EndDate, a.MemoryCount, a.ArchivedAt)
		if err != nil {
			return fmt.Errorf("writing archive: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Archives(ctx context.Context, agentID string, limit int) ([]ArchivedMemory, error) {
	rows, err := s.db.QueryContext(ctx, withLimit(
		`SELECT id, agent_id, original_ids, summary, type, importance, start_date, end_date, memory_count, archived_at
		 FROM archived_memories WHERE agent_id = ? ORDER BY archived_at DESC`, limit), agentID)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	defer rows.Close()

	var archives []ArchivedMemory
	for rows.Next() {
		var a ArchivedMemory
		var idsJSON string
		var start, end, archived any
		if err := rows.Scan(&a.ID, &a.AgentID, &idsJSON, &a.Summary, &a.Type, &a.Importance, &start, &end, &a.MemoryCount, &archived); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(idsJSON), &a.OriginalIDs)
		if t, ok := scanTime(start); ok {
			a.StartDate = t
		}
		if t, ok := scanTime(end); ok {
			a.EndDate = t
		}
		if t, ok := scanTime(archived); ok {
			a.ArchivedAt = t
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func (s *SQLiteStore) SaveShared(ctx context.Context, e *SharedEntry) error {
	ctx, span := tracer.Start(ctx, "memory.sqlite.save_shared",
		trace.WithAttributes(attribute.String("memory.id", e.Record.ID)))
	defer span.End()

	recJSON, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("encoding shared snapshot: %w", err)
	}
	permsJSON, _ := json.Marshal(e.Permissions)
	return s.execRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO shared_memories (id, agent_id, memory_id, record, permissions, shared_at, version, last_accessed_at, access_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(memory_id) DO UPDATE SET
				record = excluded.record,
				permissions = excluded.permissions,
				shared_at = excluded.shared_at,
				version = excluded.version`,
			e.ID, e.AgentID, e.Record.ID, string(recJSON), string(permsJSON),
			e.SharedAt, e.Version, nullableTime(e.LastAccessedAt), e.AccessCount)
		if err != nil {
			return fmt.Errorf("saving shared entry: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) SharedByMemory(ctx context.Context, memoryID string) (*SharedEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, record, permissions, shared_at, version, last_accessed_at, access_count
		 FROM shared_memories WHERE memory_id = ?`, memoryID)
	e, err := scanShared(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying shared entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListShared(ctx context.Context) ([]SharedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, record, permissions, shared_at, version, last_accessed_at, access_count
		 FROM shared_memories ORDER BY shared_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing shared entries: %w", err)
	}
	defer rows.Close()

	var entries []SharedEntry
	for rows.Next() {
		e, err := scanShared(rows.Scan)
		if err != nil {
			continue
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// TouchShared bumps access counters; best-effort, callers ignore failures.
func (s *SQLiteStore) TouchShared(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE shared_memories SET access_count = access_count + 1, last_accessed_at = ?
		 WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
	return err
}

func (s *SQLiteStore) DeleteShared(ctx context.Context, agentID, memoryID string) error {
	var affected int64
	err := s.execRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM shared_memories WHERE agent_id = ? AND memory_id = ?`, agentID, memoryID)
		if err != nil {
			return fmt.Errorf("deleting shared entry: %w", err)
		}
		affected, _ = result.RowsAffected()
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

// execRetry runs fn with retries on SQLite busy/locked, capped quadratic
// backoff.
func (s *SQLiteStore) execRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// queryRecords executes a query and scans the result into Record slices.
func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory records: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var r Record
		var embJSON, metaJSON, tagsJSON, ctxJSON, duration, tier string
		var ts, updated, expires any
		if err := rows.Scan(
			&r.ID, &r.AgentID, &r.Type, &r.Content, &embJSON, &metaJSON, &r.Importance,
			&ts, &updated, &tagsJSON, &duration, &expires, &tier, &ctxJSON,
		); err != nil {
			continue
		}
		r.Duration, r.Tier = Duration(duration), Tier(tier)
		if t, ok := scanTime(ts); ok {
			r.Timestamp = t
		}
		if t, ok := scanTime(updated); ok {
			r.UpdatedAt = t
		}
		if t, ok := scanTime(expires); ok {
			r.ExpiresAt = &t
		}
		decodeRecordBlobs(&r, embJSON, metaJSON, tagsJSON, ctxJSON)
		results = append(results, r)
	}
	return results, rows.Err()
}

// recordJSONBlobs encodes the record's slice/map fields for storage. An
// absent embedding is the empty string so the vector scan can filter on it.
func recordJSONBlobs(r *Record) (emb, meta, tags, rctx string) {
	if len(r.Embedding) > 0 {
		b, _ := json.Marshal(r.Embedding)
		emb = string(b)
	}
	meta, rctx = "{}", "{}"
	if r.Metadata != nil {
		b, _ := json.Marshal(r.Metadata)
		meta = string(b)
	}
	if r.Context != nil {
		b, _ := json.Marshal(r.Context)
		rctx = string(b)
	}
	tags = "[]"
	if r.Tags != nil {
		b, _ := json.Marshal(r.Tags)
		tags = string(b)
	}
	return emb, meta, tags, rctx
}

func decodeRecordBlobs(r *Record, embJSON, metaJSON, tagsJSON, ctxJSON string) {
	if embJSON != "" {
		_ = json.Unmarshal([]byte(embJSON), &r.Embedding)
	}
	_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	_ = json.Unmarshal([]byte(tagsJSON), &r.Tags)
	_ = json.Unmarshal([]byte(ctxJSON), &r.Context)
	if len(r.Metadata) == 0 {
		r.Metadata = nil
	}
	if len(r.Context) == 0 {
		r.Context = nil
	}
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
}

func scanShared(scan func(...any) error) (*SharedEntry, error) {
	var e SharedEntry
	var recJSON, permsJSON string
	var shared, accessed any
	if err := scan(&e.ID, &e.AgentID, &recJSON, &permsJSON, &shared, &e.Version, &accessed, &e.AccessCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recJSON), &e.Record); err != nil {
		return nil, fmt.Errorf("decoding shared snapshot: %w", err)
	}
	_ = json.Unmarshal([]byte(permsJSON), &e.Permissions)
	if t, ok := scanTime(shared); ok {
		e.SharedAt = t
	}
	if t, ok := scanTime(accessed); ok {
		e.LastAccessedAt = &t
	}
	return &e, nil
}

// scanTime scans a column that may be time.Time or string (SQLite returns
// datetime as string).
func scanTime(v any) (t time.Time, ok bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case time.Time:
		return val, true
	case []byte:
		return parseSQLiteTime(string(val))
	case string:
		return parseSQLiteTime(val)
	}
	return time.Time{}, false
}

func parseSQLiteTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func withLimit(query string, limit int) string {
	if limit > 0 {
		return query + fmt.Sprintf(` LIMIT %d`, limit)
	}
	return query
}

// prefixCols qualifies recordCols with a table alias for joined queries.
func prefixCols(alias string) string {
	cols := strings.Split(recordCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
