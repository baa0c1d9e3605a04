package game

import (
	"relaychess/internal/apperr"
	"relaychess/internal/model"
)

// DefaultTimeControl is used when a game is created without one.
const DefaultTimeControl = 300

// CreateResult is returned to the creator of a game.
type CreateResult struct {
	GameID   string      `json:"gameId"`
	Token    string      `json:"playerToken"`
	PlayerID string      `json:"playerId"`
	Color    model.Color `json:"playerColor"`
}

// JoinResult describes the seat a join request was given.
type JoinResult struct {
	Token             string
	Role              model.Role
	Color             *model.Color
	PlayerID          string
	Game              model.Game
	Turn              model.Color
	YourTurn          bool
	OpponentConnected bool
}

// MoveResult is the outcome of a move attempt. Success is false only for
// moves rejected because the mover's clock ran out.
type MoveResult struct {
	Success  bool
	NewFEN   string
	GameOver bool
	Result   model.Winner
	Method   string
	NewToken string
	Error    string
	// Code is set alongside Error, e.g. CLOCK_EXPIRED for a forfeit.
	Code apperr.Code
}
