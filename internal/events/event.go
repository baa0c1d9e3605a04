package events

import (
	"encoding/json"

	"relaychess/internal/model"
)

// Type names a game event.
type Type string

const (
	TypePlayerJoined  Type = "player_joined"
	TypeMoveMade      Type = "move_made"
	TypeStatusChanged Type = "game_status_changed"
)

// Event is one entry in a game's history. GameID plus Timestamp identify it;
// Timestamp (unix milliseconds) is also the replay cursor.
type Event struct {
	Type      Type            `json:"type"`
	GameID    string          `json:"gameId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// PlayerJoined is the payload of TypePlayerJoined.
type PlayerJoined struct {
	PlayerID   string     `json:"playerId"`
	PlayerRole model.Role `json:"playerRole"`
}

// MoveMade is the payload of TypeMoveMade. FEN is the position after the move.
type MoveMade struct {
	TurnID    string      `json:"turnId"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Color     model.Color `json:"color"`
	FEN       string      `json:"fen"`
	Promotion string      `json:"promotion,omitempty"`
}

// StatusChanged is the payload of TypeStatusChanged.
type StatusChanged struct {
	Status model.Status `json:"status"`
	Winner model.Winner `json:"winner"`
}

func newEvent(t Type, gameID string, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		// Payloads are plain structs of strings; Marshal cannot fail on them.
		panic(err)
	}
	return Event{Type: t, GameID: gameID, Data: raw}
}

// NewPlayerJoined builds an unstamped player_joined event.
func NewPlayerJoined(gameID string, p PlayerJoined) Event {
	return newEvent(TypePlayerJoined, gameID, p)
}

// NewMoveMade builds an unstamped move_made event.
func NewMoveMade(gameID string, p MoveMade) Event {
	return newEvent(TypeMoveMade, gameID, p)
}

// NewStatusChanged builds an unstamped game_status_changed event.
func NewStatusChanged(gameID string, p StatusChanged) Event {
	return newEvent(TypeStatusChanged, gameID, p)
}

// PlayerJoined decodes the payload. ok is false when the event has another
// type or its payload does not have the expected shape.
func (e Event) PlayerJoined() (p PlayerJoined, ok bool) {
	if e.Type != TypePlayerJoined || json.Unmarshal(e.Data, &p) != nil {
		return PlayerJoined{}, false
	}
	return p, p.PlayerID != ""
}

// MoveMade decodes the payload; see PlayerJoined.
func (e Event) MoveMade() (p MoveMade, ok bool) {
	if e.Type != TypeMoveMade || json.Unmarshal(e.Data, &p) != nil {
		return MoveMade{}, false
	}
	return p, p.FEN != "" && p.From != "" && p.To != ""
}

// StatusChanged decodes the payload; see PlayerJoined.
func (e Event) StatusChanged() (p StatusChanged, ok bool) {
	if e.Type != TypeStatusChanged || json.Unmarshal(e.Data, &p) != nil {
		return StatusChanged{}, false
	}
	return p, p.Status != ""
}
