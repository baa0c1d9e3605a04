// Package model holds the records and enumerations shared by the store, the
// token codec and the session service.
package model

import "time"

// InitialFEN is the standard chess starting position.
const InitialFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Color is the side a player controls.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// Valid reports whether c is one of the two sides.
func (c Color) Valid() bool {
	return c == White || c == Black
}

// Role is fixed at token issuance and is distinct from Color.
type Role string

const (
	RoleFirst     Role = "first"
	RoleSecond    Role = "second"
	RoleSpectator Role = "spectator"
)

// Status is a game's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Statuses lists every status, each of which has an index set.
var Statuses = []Status{StatusWaiting, StatusActive, StatusCompleted, StatusAborted}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Winner is empty while a game has no result.
type Winner string

const (
	NoWinner    Winner = ""
	WinnerWhite Winner = "white"
	WinnerBlack Winner = "black"
	WinnerDraw  Winner = "draw"
)

// WinnerOf converts a side into a result.
func WinnerOf(c Color) Winner {
	return Winner(c)
}

// Game is the authoritative per-game record.
type Game struct {
	ID               string     `json:"id"`
	CurrentFEN       string     `json:"currentFen"`
	StartDate        time.Time  `json:"startDate"`
	EndDate          *time.Time `json:"endDate"`
	FirstPlayerColor Color      `json:"firstPlayerColor"`
	FirstPlayerID    string     `json:"firstPlayerId,omitempty"`
	SecondPlayerID   string     `json:"secondPlayerId,omitempty"`
	Status           Status     `json:"status"`
	Winner           Winner     `json:"winner"`
	TimeControl      int        `json:"timeControl"`
}

// SecondPlayerColor is the side assigned to whoever joins second.
func (g Game) SecondPlayerColor() Color {
	return g.FirstPlayerColor.Opposite()
}

// ColorOf returns the side held by role, and false for spectators.
func (g Game) ColorOf(role Role) (Color, bool) {
	switch role {
	case RoleFirst:
		return g.FirstPlayerColor, true
	case RoleSecond:
		return g.SecondPlayerColor(), true
	}
	return "", false
}

// OpponentConnected reports whether the other seat is filled from role's
// point of view. Spectators see true only when both seats are taken.
func (g Game) OpponentConnected(role Role) bool {
	switch role {
	case RoleFirst:
		return g.SecondPlayerID != ""
	case RoleSecond:
		return g.FirstPlayerID != ""
	default:
		return g.FirstPlayerID != "" && g.SecondPlayerID != ""
	}
}

// Turn is one applied move. Turns are append-only.
type Turn struct {
	ID         string    `json:"id"`
	GameID     string    `json:"gameId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	CreateTime time.Time `json:"createTime"`
	Color      Color     `json:"color"`
	Promotion  string    `json:"promotionPiece,omitempty"`
}
