package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relaychess/internal/model"
)

// Archive wraps a gorm DB instance holding finished games.
type Archive struct {
	db *gorm.DB
}

// NewArchive creates an archive from a gorm DB. A nil db yields a nil
// archive, whose methods are no-ops.
func NewArchive(db *gorm.DB) *Archive {
	if db == nil {
		return nil
	}
	return &Archive{db: db}
}

// DB exposes the underlying gorm DB instance.
func (a *Archive) DB() *gorm.DB {
	if a == nil {
		return nil
	}
	return a.db
}

// ArchiveGame stores g and its turns. Archiving the same game twice is a
// no-op.
func (a *Archive) ArchiveGame(ctx context.Context, g model.Game, turns []model.Turn) error {
	if a == nil {
		return nil
	}
	row, err := toArchivedGame(g, turns)
	if err != nil {
		return err
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Turns").Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		if len(row.Turns) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row.Turns).Error
	})
}

func toArchivedGame(g model.Game, turns []model.Turn) (ArchivedGame, error) {
	id, err := uuid.Parse(g.ID)
	if err != nil {
		return ArchivedGame{}, fmt.Errorf("game id %q: %w", g.ID, err)
	}
	row := ArchivedGame{
		ID:               id,
		FEN:              g.CurrentFEN,
		FirstPlayerColor: string(g.FirstPlayerColor),
		FirstPlayerID:    g.FirstPlayerID,
		SecondPlayerID:   g.SecondPlayerID,
		Status:           string(g.Status),
		Winner:           string(g.Winner),
		TimeControl:      g.TimeControl,
		StartedAt:        g.StartDate,
		CompletedAt:      g.EndDate,
	}
	for i, t := range turns {
		tid, err := uuid.Parse(t.ID)
		if err != nil {
			return ArchivedGame{}, fmt.Errorf("turn id %q: %w", t.ID, err)
		}
		row.Turns = append(row.Turns, ArchivedTurn{
			ID:        tid,
			GameID:    id,
			Number:    i + 1,
			From:      t.From,
			To:        t.To,
			Promotion: t.Promotion,
			Color:     string(t.Color),
			PlayedAt:  t.CreateTime,
		})
	}
	return row, nil
}

// Stats represents aggregate counts for games.
type Stats struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Active    int64 `json:"active"`
}

// FetchStats counts archived games. Archived games are all finished, so
// Active is always zero here.
func (a *Archive) FetchStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if a == nil {
		return stats, nil
	}
	if err := a.db.WithContext(ctx).Model(&ArchivedGame{}).Count(&stats.Started).Error; err != nil {
		return stats, err
	}
	if err := a.db.WithContext(ctx).Model(&ArchivedGame{}).Where("status = ?", string(model.StatusCompleted)).Count(&stats.Completed).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

type statsSource interface {
	FetchStats(ctx context.Context) (Stats, error)
}

// Stats combines the live status sets with the archive, when one is
// configured. Archived games have left Redis, so nothing is counted twice.
func (s *GameStore) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, n := range counts {
		st.Started += n
	}
	st.Completed = counts[model.StatusCompleted]
	st.Active = counts[model.StatusActive]

	if src, ok := s.archive.(statsSource); ok {
		archived, err := src.FetchStats(ctx)
		if err != nil {
			return st, fmt.Errorf("archive stats: %w", err)
		}
		st.Started += archived.Started
		st.Completed += archived.Completed
	}
	return st, nil
}
