package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractConcepts(t *testing.T) {
	concepts := ExtractConcepts("the database index rebuild fixed the database latency; rebuild the index weekly")
	assert.NotEmpty(t, concepts)
	assert.Contains(t, concepts, "database")
	assert.Contains(t, concepts, "index")
	assert.Contains(t, concepts, "rebuild")
	assert.NotContains(t, concepts, "the")
}

func TestExtractConcepts_FrequencyOrder(t *testing.T) {
	concepts := ExtractConcepts("redis redis redis postgres postgres sqlite")
	assert.Equal(t, []string{"redis", "postgres", "sqlite"}, concepts)
}

func TestExtractConcepts_CapsAtFive(t *testing.T) {
	concepts := ExtractConcepts("alpha beta gamma delta epsilon zeta eta")
	assert.Len(t, concepts, 5)
}

func TestExtractConcepts_SkipsShortWords(t *testing.T) {
	concepts := ExtractConcepts("go is ok but rust compiles slowly")
	assert.NotContains(t, concepts, "go")
	assert.NotContains(t, concepts, "ok")
	assert.Contains(t, concepts, "rust")
}

func TestExtractConcepts_Empty(t *testing.T) {
	assert.Empty(t, ExtractConcepts(""))
	assert.Empty(t, ExtractConcepts("a an the of"))
}
