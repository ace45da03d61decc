package syncengine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/courtside/scoresync/internal/config"
)

func TestIsConflict(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name              string
		localVersion      uint64
		localUpdated      time.Time
		incomingVersion   uint64
		incomingTimestamp time.Time
		expected          bool
	}{
		{
			name:            "incoming strictly newer",
			localVersion:    3,
			localUpdated:    base,
			incomingVersion: 4, incomingTimestamp: base.Add(time.Minute),
			expected: false,
		},
		{
			name:            "incoming stale",
			localVersion:    5,
			localUpdated:    base,
			incomingVersion: 3, incomingTimestamp: base.Add(-time.Minute),
			expected: true,
		},
		{
			name:            "same version within concurrent window",
			localVersion:    3,
			localUpdated:    base,
			incomingVersion: 3, incomingTimestamp: base.Add(500 * time.Millisecond),
			expected: true,
		},
		{
			name:            "same version outside concurrent window",
			localVersion:    3,
			localUpdated:    base,
			incomingVersion: 3, incomingTimestamp: base.Add(2 * time.Second),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isConflict(tt.localVersion, tt.localUpdated, tt.incomingVersion, tt.incomingTimestamp)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolve_RefereePriority(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	referee := side{payload: json.RawMessage(`"ref"`), priority: 100, originID: "a", timestamp: base}
	spectator := side{payload: json.RawMessage(`"spec"`), priority: 10, originID: "b", timestamp: base.Add(time.Hour)}

	// Authority beats recency in both argument orders.
	winner, used := resolve(config.StrategyRefereePriority, referee, spectator)
	assert.Equal(t, "a", winner.originID)
	assert.Equal(t, config.StrategyRefereePriority, used)

	winner, used = resolve(config.StrategyRefereePriority, spectator, referee)
	assert.Equal(t, "a", winner.originID)
	assert.Equal(t, config.StrategyRefereePriority, used)
}

func TestResolve_RefereePriorityTieFallsBackToTimestamp(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	early := side{priority: 50, originID: "a", timestamp: base}
	late := side{priority: 50, originID: "b", timestamp: base.Add(time.Second)}

	winner, used := resolve(config.StrategyRefereePriority, early, late)
	assert.Equal(t, "b", winner.originID)
	assert.Equal(t, config.StrategyTimestamp, used)
}

func TestResolve_Timestamp(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	early := side{originID: "a", timestamp: base, version: 9}
	late := side{originID: "b", timestamp: base.Add(time.Second), version: 2}

	winner, used := resolve(config.StrategyTimestamp, early, late)
	assert.Equal(t, "b", winner.originID)
	assert.Equal(t, config.StrategyTimestamp, used)

	// Identical timestamps fall back to the version rule.
	tied := side{originID: "c", timestamp: base, version: 4}
	winner, used = resolve(config.StrategyTimestamp, early, tied)
	assert.Equal(t, "a", winner.originID)
	assert.Equal(t, config.StrategyVersion, used)
}

func TestResolve_Version(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	low := side{originID: "a", version: 3, timestamp: base}
	high := side{originID: "b", version: 7, timestamp: base}
	winner, _ := resolve(config.StrategyVersion, low, high)
	assert.Equal(t, "b", winner.originID)

	// Version tie: the lexicographically greater origin id wins, which is
	// arbitrary but identical on every device.
	tieA := side{originID: "device-a", version: 3}
	tieB := side{originID: "device-b", version: 3}
	winner, _ = resolve(config.StrategyVersion, tieA, tieB)
	assert.Equal(t, "device-b", winner.originID)
	winner, _ = resolve(config.StrategyVersion, tieB, tieA)
	assert.Equal(t, "device-b", winner.originID)
}
