package storage

import (
	"time"

	"github.com/google/uuid"
)

// ArchivedGame is a finished game copied out of Redis before cleanup.
type ArchivedGame struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	FEN              string
	FirstPlayerColor string
	FirstPlayerID    string `gorm:"index"`
	SecondPlayerID   string `gorm:"index"`
	Status           string `gorm:"index"`
	Winner           string
	TimeControl      int
	StartedAt        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Turns            []ArchivedTurn `gorm:"foreignKey:GameID;constraint:OnDelete:CASCADE;"`
}

// ArchivedTurn stores a single move of an archived game.
type ArchivedTurn struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	GameID    uuid.UUID `gorm:"type:uuid;index"`
	Number    int
	From      string
	To        string
	Promotion string
	Color     string
	PlayedAt  time.Time
	CreatedAt time.Time
}
