// Package memory implements the multi-tier memory engine: record model,
// pluggable storage backends, hybrid retrieval, rule-driven consolidation,
// archival, and the cross-agent shared pool.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Tier is a record's consolidation stage.
type Tier string

const (
	TierWorking    Tier = "working"
	TierEpisodic   Tier = "episodic"
	TierSemantic   Tier = "semantic"
	TierProcedural Tier = "procedural"
)

// ValidTier reports whether t is one of the four known tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierWorking, TierEpisodic, TierSemantic, TierProcedural:
		return true
	}
	return false
}

// Duration marks a record as short-lived or durable.
type Duration string

const (
	DurationShortTerm Duration = "short_term"
	DurationLongTerm  Duration = "long_term"
)

// Record types. The set is open; these are the values the engine assigns.
const (
	TypeExperience  = "experience"
	TypeInteraction = "interaction"
	TypeKnowledge   = "knowledge"
	TypeGoal        = "goal"
)

// Well-known keys inside Metadata and Context. Metadata and Context are
// schema-less maps at the boundary; these keys are the part the engine
// actually consumes.
const (
	KeyAccessCount      = "accessCount"      // Metadata: read count, drives access_frequency rules
	KeyEmotionalValence = "emotionalValence" // Context: supplied by the emotion module
	KeySource           = "source"           // Context: provenance marker
	KeyPermanent        = "permanent"        // Metadata: truthy value exempts the record from retention cleanup
)

// Record is one unit of stored experience, owned exclusively by AgentID.
type Record struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Importance float64        `json:"importance"`
	Timestamp  time.Time      `json:"timestamp"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Tags       []string       `json:"tags,omitempty"`
	Duration   Duration       `json:"duration"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Tier       Tier           `json:"tier"`
	Context    map[string]any `json:"context,omitempty"`
}

// NewID returns a fresh record ID in the engine's format.
func NewID() string {
	return "mem_" + uuid.New().String()[:12]
}

// prepareRecord fills defaults and clamps importance. Store is an upsert, so
// this runs on every write; fields the caller set are left alone.
func prepareRecord(r *Record) {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Type == "" {
		r.Type = TypeExperience
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.UpdatedAt = time.Now().UTC()
	if r.Duration == "" {
		r.Duration = DurationLongTerm
	}
	if r.Tier == "" {
		r.Tier = TierEpisodic
	}
	r.Importance = clampImportance(r.Importance)
}

// clampImportance forces importance into [0, 1]. Out-of-range values are
// clamped rather than rejected; validation is reserved for structural errors.
func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// validateRecord checks the structural invariants an upsert must satisfy.
// Called after prepareRecord, so defaults have already been applied.
func validateRecord(r *Record) error {
	if r.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if !ValidTier(r.Tier) {
		return &ValidationError{Field: "tier", Reason: "unknown tier " + string(r.Tier)}
	}
	if r.Duration != DurationShortTerm && r.Duration != DurationLongTerm {
		return &ValidationError{Field: "duration", Reason: "unknown duration " + string(r.Duration)}
	}
	if r.Duration == DurationShortTerm && r.ExpiresAt == nil {
		return &ValidationError{Field: "expires_at", Reason: "required for short_term records"}
	}
	return nil
}

// Clone returns a deep copy. Everything the engine hands back to callers is
// cloned so mutations on the result never touch stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Context != nil {
		out.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// cloneAll deep-copies a result set.
func cloneAll(recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].Clone())
	}
	return out
}

// numberFrom reads a numeric value from a schema-less map. JSON decoding
// produces float64; direct callers may pass int or float32. Missing or
// non-numeric values report ok=false.
func numberFrom(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// truthy reports whether a schema-less map value is a set boolean or a
// non-zero number.
func truthy(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

// Condition types a consolidation rule can evaluate.
const (
	ConditionImportance      = "importance"
	ConditionAge             = "age"
	ConditionAccessFrequency = "access_frequency"
	ConditionEmotional       = "emotional"
)

// ValidCondition reports whether c is a known rule condition type.
func ValidCondition(c string) bool {
	switch c {
	case ConditionImportance, ConditionAge, ConditionAccessFrequency, ConditionEmotional:
		return true
	}
	return false
}

// ConsolidationRule migrates matching records from one tier to another.
type ConsolidationRule struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	FromTier  Tier      `json:"from_tier"`
	ToTier    Tier      `json:"to_tier"`
	Condition string    `json:"condition"`
	Threshold float64   `json:"threshold"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryEntry is one row of the append-only consolidation audit log.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	MemoryID  string    `json:"memory_id"`
	FromTier  Tier      `json:"from_tier"`
	ToTier    Tier      `json:"to_tier"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Archival strategy types.
const (
	StrategyCompression   = "compression"
	StrategySummarization = "summarization"
	StrategyDeletion      = "deletion"
)

// ArchivalStrategy describes how aged records in a tier are archived.
type ArchivalStrategy struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	Type           string         `json:"type"`
	Tier           Tier           `json:"tier"`
	TriggerAgeDays int            `json:"trigger_age_days"`
	Config         map[string]any `json:"config,omitempty"`
	Enabled        bool           `json:"enabled"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ArchivedMemory is the durable summary left behind by compression and
// summarization strategies. Originals are deleted only after this row is
// durably written.
type ArchivedMemory struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	OriginalIDs []string  `json:"original_ids"`
	Summary     string    `json:"summary"`
	Type        string    `json:"type"`
	Importance  float64   `json:"importance"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	MemoryCount int       `json:"memory_count"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Shared pool permissions.
const (
	PermissionRead  = "READ"
	PermissionWrite = "WRITE"
)

// SharedEntry is a permissioned, versioned copy of a record in the shared
// pool. The pool holds a snapshot, not the owned record; version increments
// on every re-share of the same memory id.
type SharedEntry struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Record         Record     `json:"record"`
	Permissions    []string   `json:"permissions"`
	SharedAt       time.Time  `json:"shared_at"`
	Version        int        `json:"version"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int64      `json:"access_count"`
}

// HasPermission reports whether the entry carries the given permission.
func (e *SharedEntry) HasPermission(p string) bool {
	for _, have := range e.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Stats aggregates a single agent's memory counts.
type Stats struct {
	TotalRecords      int64              `json:"total_records"`
	ByTier            map[Tier]int64     `json:"by_tier"`
	ByDuration        map[Duration]int64 `json:"by_duration"`
	AverageImportance float64            `json:"average_importance"`
	OldestTimestamp   *time.Time         `json:"oldest_timestamp,omitempty"`
	NewestTimestamp   *time.Time         `json:"newest_timestamp,omitempty"`
	SharedEntries     int64              `json:"shared_entries"`
	ArchivedBatches   int64              `json:"archived_batches"`
}
