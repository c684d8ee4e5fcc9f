package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Share publishes a snapshot of one of the agent's records into the shared
// pool with the given permissions. Re-sharing the same record refreshes the
// snapshot and bumps the entry's version; it never creates a duplicate.
func (e *Engine) Share(ctx context.Context, agentID, memoryID string, permissions []string) (*SharedEntry, error) {
	for _, p := range permissions {
		if p != PermissionRead && p != PermissionWrite {
			return nil, &ValidationError{Field: "permissions", Reason: "unknown permission " + p}
		}
	}

	rec, err := e.backend.Get(ctx, agentID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("loading record to share: %w", err)
	}

	entry := &SharedEntry{
		ID:          "shr_" + NewID()[4:],
		AgentID:     agentID,
		Record:      *rec.Clone(),
		Permissions: append([]string(nil), permissions...),
		SharedAt:    time.Now().UTC(),
		Version:     1,
	}

	prev, err := e.backend.SharedByMemory(ctx, memoryID)
	switch {
	case err == nil:
		entry.ID = prev.ID
		entry.Version = prev.Version + 1
		entry.AccessCount = prev.AccessCount
		entry.LastAccessedAt = prev.LastAccessedAt
	case errors.Is(err, ErrNotFound):
	default:
		return nil, fmt.Errorf("checking existing share: %w", err)
	}

	if err := e.backend.SaveShared(ctx, entry); err != nil {
		return nil, fmt.Errorf("saving shared entry: %w", err)
	}
	sharedEntriesTotal.Add(ctx, 1)
	log.Debug().Str("agent_id", agentID).Str("memory_id", memoryID).
		Int("version", entry.Version).Msg("memory_shared")
	return entry, nil
}

// SharedMemories returns every pool entry that grants READ, excluding the
// requesting agent's own shares. Access counters are bumped best-effort.
func (e *Engine) SharedMemories(ctx context.Context, requestingAgentID string) ([]SharedEntry, error) {
	entries, err := e.backend.ListShared(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing shared pool: %w", err)
	}

	now := time.Now().UTC()
	var touched []string
	out := make([]SharedEntry, 0, len(entries))
	for i := range entries {
		entry := entries[i]
		if entry.AgentID == requestingAgentID {
			continue
		}
		if !entry.HasPermission(PermissionRead) {
			continue
		}
		entry.Record = *entry.Record.Clone()
		entry.AccessCount++
		at := now
		entry.LastAccessedAt = &at
		touched = append(touched, entry.ID)
		out = append(out, entry)
	}

	if len(touched) > 0 {
		if err := e.backend.TouchShared(ctx, touched, now); err != nil {
			log.Warn().Err(err).Msg("shared pool access bump failed")
		}
		sharedReadsTotal.Add(ctx, int64(len(touched)))
	}
	return out, nil
}

// Unshare withdraws the agent's entry for the given memory from the pool.
// Only the publishing agent can withdraw it.
func (e *Engine) Unshare(ctx context.Context, agentID, memoryID string) error {
	if err := e.backend.DeleteShared(ctx, agentID, memoryID); err != nil {
		return err
	}
	log.Debug().Str("agent_id", agentID).Str("memory_id", memoryID).Msg("memory_unshared")
	return nil
}
