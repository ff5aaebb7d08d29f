package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	e := NewEvent(EventProcessCrash, "api", SeverityCritical, "crashed")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventProcessCrash, e.Type)
	assert.Equal(t, "api", e.Process)
	assert.False(t, e.OccurredAt.Before(before))
	assert.NotEqual(t, e.ID, NewEvent(EventProcessCrash, "api", SeverityCritical, "crashed").ID)
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityInfo.Rank(), SeverityWarning.Rank())
	assert.Less(t, SeverityWarning.Rank(), SeverityCritical.Rank())
	assert.Equal(t, SeverityWarning, ParseSeverity("warning"))
	assert.Equal(t, SeverityInfo, ParseSeverity("bogus"))
}
