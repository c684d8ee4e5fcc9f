package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareRecord_Defaults(t *testing.T) {
	r := &Record{AgentID: "a1", Content: "hello"}
	prepareRecord(r)

	assert.True(t, strings.HasPrefix(r.ID, "mem_"))
	assert.Len(t, r.ID, 16)
	assert.Equal(t, TypeExperience, r.Type)
	assert.Equal(t, DurationLongTerm, r.Duration)
	assert.Equal(t, TierEpisodic, r.Tier)
	assert.False(t, r.Timestamp.IsZero())
	assert.False(t, r.UpdatedAt.IsZero())
}

func TestPrepareRecord_ClampsImportance(t *testing.T) {
	over := &Record{AgentID: "a1", Importance: 1.5}
	prepareRecord(over)
	assert.Equal(t, 1.0, over.Importance)

	under := &Record{AgentID: "a1", Importance: -0.2}
	prepareRecord(under)
	assert.Equal(t, 0.0, under.Importance)
}

func TestValidateRecord(t *testing.T) {
	valid := &Record{AgentID: "a1", Content: "x"}
	prepareRecord(valid)
	require.NoError(t, validateRecord(valid))

	noAgent := &Record{Content: "x"}
	prepareRecord(noAgent)
	var verr *ValidationError
	require.ErrorAs(t, validateRecord(noAgent), &verr)
	assert.Equal(t, "agent_id", verr.Field)

	badTier := &Record{AgentID: "a1", Tier: Tier("imaginary")}
	prepareRecord(badTier)
	require.ErrorAs(t, validateRecord(badTier), &verr)
	assert.Equal(t, "tier", verr.Field)

	badDuration := &Record{AgentID: "a1", Duration: Duration("forever")}
	prepareRecord(badDuration)
	require.ErrorAs(t, validateRecord(badDuration), &verr)
	assert.Equal(t, "duration", verr.Field)

	noExpiry := &Record{AgentID: "a1", Content: "x", Duration: DurationShortTerm}
	prepareRecord(noExpiry)
	require.ErrorAs(t, validateRecord(noExpiry), &verr)
	assert.Equal(t, "expires_at", verr.Field)

	exp := time.Now().UTC().Add(time.Hour)
	withExpiry := &Record{AgentID: "a1", Content: "x", Duration: DurationShortTerm, ExpiresAt: &exp}
	prepareRecord(withExpiry)
	require.NoError(t, validateRecord(withExpiry))
}

func TestClone_IsDeep(t *testing.T) {
	exp := time.Now().UTC().Add(time.Hour)
	orig := &Record{
		ID:        "mem_x",
		AgentID:   "a1",
		Content:   "original",
		Embedding: []float32{1, 2, 3},
		Metadata:  map[string]any{"k": "v"},
		Tags:      []string{"one"},
		ExpiresAt: &exp,
		Context:   map[string]any{"mood": "calm"},
	}
	cp := orig.Clone()

	cp.Embedding[0] = 99
	cp.Metadata["k"] = "changed"
	cp.Tags[0] = "two"
	*cp.ExpiresAt = cp.ExpiresAt.Add(time.Hour)
	cp.Context["mood"] = "stormy"

	assert.Equal(t, float32(1), orig.Embedding[0])
	assert.Equal(t, "v", orig.Metadata["k"])
	assert.Equal(t, "one", orig.Tags[0])
	assert.Equal(t, exp, *orig.ExpiresAt)
	assert.Equal(t, "calm", orig.Context["mood"])
}

func TestNumberFrom(t *testing.T) {
	m := map[string]any{
		"int":    7,
		"float":  2.5,
		"string": "oops",
	}
	n, ok := numberFrom(m, "int")
	assert.True(t, ok)
	assert.Equal(t, 7.0, n)

	n, ok = numberFrom(m, "float")
	assert.True(t, ok)
	assert.Equal(t, 2.5, n)

	_, ok = numberFrom(m, "string")
	assert.False(t, ok)

	_, ok = numberFrom(nil, "int")
	assert.False(t, ok)
}

func TestSharedEntry_HasPermission(t *testing.T) {
	e := &SharedEntry{Permissions: []string{PermissionRead}}
	assert.True(t, e.HasPermission(PermissionRead))
	assert.False(t, e.HasPermission(PermissionWrite))
}
