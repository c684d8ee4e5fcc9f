package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	engramotel "github.com/dativo-io/engram/internal/otel"
)

// AddRule validates and persists a consolidation rule. Saving an existing
// rule id updates it in place.
func (e *Engine) AddRule(ctx context.Context, rule *ConsolidationRule) error {
	if rule.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if !ValidTier(rule.FromTier) || !ValidTier(rule.ToTier) {
		return &ValidationError{Field: "tier", Reason: "unknown tier in rule"}
	}
	if rule.FromTier == rule.ToTier {
		return &ValidationError{Field: "to_tier", Reason: "must differ from from_tier"}
	}
	if !ValidCondition(rule.Condition) {
		return &ValidationError{Field: "condition", Reason: "unknown condition " + rule.Condition}
	}
	if rule.ID == "" {
		rule.ID = "rule_" + NewID()[4:]
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	return e.backend.SaveRule(ctx, rule)
}

// Rules returns the agent's rules in insertion order.
func (e *Engine) Rules(ctx context.Context, agentID string) ([]ConsolidationRule, error) {
	return e.backend.Rules(ctx, agentID)
}

// RunConsolidationAll runs one consolidation pass for every agent in the
// store. Per-agent failures are logged and skipped; one agent's trouble
// never aborts the pass for the rest.
func (e *Engine) RunConsolidationAll(ctx context.Context) {
	agents, err := e.backend.DistinctAgents(ctx)
	if err != nil {
		log.Error().Err(err).Msg("consolidation: failed to list agents")
		return
	}
	for _, agentID := range agents {
		if _, err := e.RunConsolidation(ctx, agentID); err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("consolidation pass failed")
		}
	}
}

// RunConsolidation evaluates the agent's enabled rules in insertion order
// and migrates matching records. When two rules could fire on the same
// record in one cycle, the earlier rule wins: the later rule's
// compare-and-set fails against the already-moved tier and is skipped.
// Returns the number of records moved.
func (e *Engine) RunConsolidation(ctx context.Context, agentID string) (int, error) {
	ctx, span := tracer.Start(ctx, "memory.consolidation.run",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	rules, err := e.backend.Rules(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("listing rules: %w", err)
	}

	now := time.Now().UTC()
	moved := 0
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		n, err := e.applyRule(ctx, rule, now)
		moved += n
		if err != nil {
			// per-rule isolation: log and continue with the next rule
			log.Error().Err(err).
				Str("agent_id", agentID).
				Str("rule_id", rule.ID).
				Msg("consolidation rule failed")
		}
	}

	if moved > 0 {
		e.invalidate(agentID)
		log.Info().Int("moved", moved).Str("agent_id", agentID).
			Func(engramotel.LogTraceFields(ctx)).Msg("memory_consolidation_completed")
	}
	span.SetAttributes(attribute.Int("memory.moved", moved))
	return moved, nil
}

// applyRule migrates every record in the rule's from-tier whose condition
// holds. The tier write is a compare-and-set: losing the race to another
// transition is logged and skipped, not retried this cycle.
func (e *Engine) applyRule(ctx context.Context, rule *ConsolidationRule, now time.Time) (int, error) {
	candidates, err := e.backend.QueryByTier(ctx, rule.AgentID, rule.FromTier, 0)
	if err != nil {
		return 0, fmt.Errorf("fetching %s records: %w", rule.FromTier, err)
	}

	moved := 0
	for i := range candidates {
		rec := &candidates[i]
		if !ruleMatches(rule, rec, now) {
			continue
		}

		err := e.backend.UpdateTierCAS(ctx, rule.AgentID, rec.ID, rule.FromTier, rule.ToTier)
		if errors.Is(err, ErrConflict) {
			consolidationSkips.Add(ctx, 1)
			log.Debug().Str("memory_id", rec.ID).Str("rule_id", rule.ID).
				Msg("tier transition lost the race, skipped")
			continue
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return moved, fmt.Errorf("updating tier of %s: %w", rec.ID, err)
		}

		moved++
		consolidationMoves.Add(ctx, 1)
		e.appendHistory(ctx, rule, rec.ID, now)

		if rule.FromTier == TierEpisodic && rule.ToTier == TierSemantic {
			e.promoteToSemantic(ctx, rec)
		}
	}
	return moved, nil
}

// appendHistory records the transition in the append-only audit log.
// History failures do not undo the move.
func (e *Engine) appendHistory(ctx context.Context, rule *ConsolidationRule, memoryID string, now time.Time) {
	h := &HistoryEntry{
		AgentID:   rule.AgentID,
		MemoryID:  memoryID,
		FromTier:  rule.FromTier,
		ToTier:    rule.ToTier,
		Reason:    fmt.Sprintf("%s >= %g", rule.Condition, rule.Threshold),
		Timestamp: now,
	}
	if err := e.backend.AppendHistory(ctx, h); err != nil {
		log.Error().Err(err).Str("memory_id", memoryID).Msg("consolidation history append failed")
	}
}

// promoteToSemantic reclassifies a freshly promoted record as knowledge and
// replaces its tags with concepts extracted from the content. Best-effort:
// a failure here leaves the tier change in place.
func (e *Engine) promoteToSemantic(ctx context.Context, rec *Record) {
	rec.Tier = TierSemantic
	rec.Type = TypeKnowledge
	if e.concepts != nil {
		if concepts := e.concepts(rec.Content); len(concepts) > 0 {
			rec.Tags = concepts
		}
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := e.backend.Put(ctx, rec); err != nil {
		log.Warn().Err(err).Str("memory_id", rec.ID).
			Msg("semantic reclassification failed; tier change kept")
	}
}

// ruleMatches evaluates a rule's condition against one record. Absent
// context or metadata makes the emotional and access-frequency conditions
// false rather than erroring.
func ruleMatches(rule *ConsolidationRule, rec *Record, now time.Time) bool {
	switch rule.Condition {
	case ConditionImportance:
		return rec.Importance >= rule.Threshold
	case ConditionAge:
		return now.Sub(rec.Timestamp).Hours()/24 >= rule.Threshold
	case ConditionAccessFrequency:
		n, ok := numberFrom(rec.Metadata, KeyAccessCount)
		return ok && n >= rule.Threshold
	case ConditionEmotional:
		v, ok := numberFrom(rec.Context, KeyEmotionalValence)
		return ok && v >= rule.Threshold
	default:
		return false
	}
}
