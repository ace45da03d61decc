package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity schemas are versioned so older replicas can reject payloads they
// do not understand instead of silently misreading them.
const SchemaVersion = 1

// Score is the running score of a match.
type Score struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

// TournamentState is the replicated view of a tournament.
type TournamentState struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	StartsAt      time.Time `json:"starts_at,omitempty"`
	CourtCount    int       `json:"court_count,omitempty"`
	MatchIDs      []string  `json:"match_ids,omitempty"`
}

// MatchState is the replicated view of a single match.
type MatchState struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"id"`
	TournamentID  string `json:"tournament_id,omitempty"`
	HomeTeamID    string `json:"home_team_id,omitempty"`
	AwayTeamID    string `json:"away_team_id,omitempty"`
	Score         Score  `json:"score"`
	Period        int    `json:"period,omitempty"`
	Status        string `json:"status,omitempty"`
	Court         string `json:"court,omitempty"`
}

// TeamState is the replicated view of a team.
type TeamState struct {
	SchemaVersion int      `json:"schema_version"`
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Players       []string `json:"players,omitempty"`
}

// MatchEvent is a single scoring/administrative event within a match.
type MatchEvent struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	MatchID       string    `json:"match_id"`
	Kind          string    `json:"kind"`
	TeamID        string    `json:"team_id,omitempty"`
	Minute        int       `json:"minute,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// DecodeEntity parses a sync payload into the concrete state struct for its
// entity type. Full-state payloads are snapshots and decoded by the engine.
func DecodeEntity(entityType EntityType, raw json.RawMessage) (any, error) {
	switch entityType {
	case EntityTournament:
		var s TournamentState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode tournament payload: %w", err)
		}
		return s, nil

	case EntityMatch:
		var s MatchState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode match payload: %w", err)
		}
		return s, nil

	case EntityTeam:
		var s TeamState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode team payload: %w", err)
		}
		return s, nil

	case EntityEvent:
		var s MatchEvent
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}

// EntityID extracts the entity id from any sync payload without decoding
// the full schema.
func EntityID(raw json.RawMessage) (string, error) {
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("extract entity id: %w", err)
	}
	if ref.ID == "" {
		return "", fmt.Errorf("payload has no entity id")
	}
	return ref.ID, nil
}

// ConflictResolution records how a concurrent-edit conflict was settled.
// It is broadcast so every replica applies the identical outcome.
type ConflictResolution struct {
	Strategy          string          `json:"strategy"`
	EntityType        EntityType      `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	ResolvingDeviceID string          `json:"resolving_device_id"`
	ResolvedAt        time.Time       `json:"resolved_at"`
	OriginalPayload   json.RawMessage `json:"original_payload,omitempty"`
	ResolvedPayload   json.RawMessage `json:"resolved_payload"`
	ResolvedVersion   uint64          `json:"resolved_version"`
	ResolvedOriginID  string          `json:"resolved_origin_id"`
	ResolvedPriority  int             `json:"resolved_priority"`
	ResolvedTimestamp time.Time       `json:"resolved_timestamp"`
}
