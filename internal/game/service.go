// Package game holds the session service: creating and joining games,
// validating moves against role, turn and clock, and ending games.
package game

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"relaychess/internal/apperr"
	"relaychess/internal/logging"
	"relaychess/internal/model"
	"relaychess/internal/rules"
	"relaychess/internal/storage"
	"relaychess/internal/token"
	"relaychess/pkg/utils"
)

// DefaultMoveBuffer is added to a refreshed clock to absorb network latency.
const DefaultMoveBuffer = time.Second

// maxJoinAttempts bounds how often join re-evaluates after losing a seat race.
const maxJoinAttempts = 3

// Store is the persistence the service needs.
type Store interface {
	CreateGame(ctx context.Context, g model.Game) (*model.Game, error)
	GetGame(ctx context.Context, id string) (*model.Game, error)
	UpdateGame(ctx context.Context, id string, patch storage.GamePatch) (*model.Game, error)
	CommitMove(ctx context.Context, id, expected, next string, t model.Turn) (*model.Game, *model.Turn, error)
	ClaimSeat(ctx context.Context, id string, role model.Role, playerID string) (*model.Game, error)
	GetGameTurns(ctx context.Context, gameID string) ([]model.Turn, error)
	GetWaitingGames(ctx context.Context) ([]model.Game, error)
}

// Cursor reports a game's newest event so fresh tokens start after it.
type Cursor interface {
	LastEventTimestamp(ctx context.Context, gameID string) (int64, error)
}

// Service orchestrates the game lifecycle.
type Service struct {
	store      Store
	cursor     Cursor
	tokens     *token.Codec
	rules      rules.Engine
	moveBuffer time.Duration
	log        *zap.Logger
	tracer     trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithMoveBuffer overrides DefaultMoveBuffer.
func WithMoveBuffer(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.moveBuffer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(l) }
}

// NewService wires the session service. cursor may be nil.
func NewService(store Store, cursor Cursor, tokens *token.Codec, engine rules.Engine, opts ...Option) *Service {
	s := &Service{
		store:      store,
		cursor:     cursor,
		tokens:     tokens,
		rules:      engine,
		moveBuffer: DefaultMoveBuffer,
		log:        zap.NewNop(),
		tracer:     otel.Tracer("relaychess/game"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens exposes the codec the service signs with.
func (s *Service) Tokens() *token.Codec {
	return s.tokens
}

// RefreshedClock is the budget given to a player whose turn starts now.
func (s *Service) RefreshedClock(timeControl int) int {
	return timeControl + int(s.moveBuffer/time.Second)
}

func storeErr(err error) error {
	return apperr.Wrap(apperr.CodeStore, "store failure", err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	}
	span.End()
}

// CreateNewGame seeds a waiting game and seats the caller first. A zero
// timeControl uses DefaultTimeControl; an empty color means white.
func (s *Service) CreateNewGame(ctx context.Context, timeControl int, color model.Color) (res *CreateResult, err error) {
	ctx, span := s.tracer.Start(ctx, "game.Create")
	defer func() { endSpan(span, err) }()

	if timeControl == 0 {
		timeControl = DefaultTimeControl
	}
	if timeControl < 0 {
		return nil, apperr.New(apperr.CodeBadRequest, "timeControl must be positive")
	}
	if color == "" {
		color = model.White
	}
	if !color.Valid() {
		return nil, apperr.New(apperr.CodeBadRequest, "color must be white or black")
	}

	playerID := utils.NewID()
	g, err := s.store.CreateGame(ctx, model.Game{
		CurrentFEN:       model.InitialFEN,
		FirstPlayerColor: color,
		FirstPlayerID:    playerID,
		Status:           model.StatusWaiting,
		TimeControl:      timeControl,
	})
	if err != nil {
		return nil, storeErr(err)
	}
	span.SetAttributes(attribute.String("game.id", g.ID))

	raw, err := s.tokens.Issue(token.PlayerClaims(g.ID, playerID, model.RoleFirst, color, timeControl, s.tokens.Now()))
	if err != nil {
		return nil, err
	}
	s.log.Info("game created", zap.String("gameId", g.ID), zap.String("color", string(color)), zap.Int("timeControl", timeControl))
	return &CreateResult{GameID: g.ID, Token: raw, PlayerID: playerID, Color: color}, nil
}

// Join assigns the caller a seat. Precedence: a valid token for this game
// keeps its role; finished games only take spectators; then the first seat,
// then the second seat of a waiting game; then a lapsed token whose holder
// is seated in the active game gets a fresh one; everyone else spectates.
func (s *Service) Join(ctx context.Context, gameID, presented string) (res *JoinResult, err error) {
	ctx, span := s.tracer.Start(ctx, "game.Join", trace.WithAttributes(attribute.String("game.id", gameID)))
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.String("player.role", string(res.Role)))
		}
		endSpan(span, err)
	}()

	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		g, err := s.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, storeErr(err)
		}
		if g == nil {
			return nil, apperr.New(apperr.CodeNotFound, "game not found")
		}

		if claims, err := s.tokens.Verify(presented); err == nil && claims.GameID == gameID {
			return s.joinResult(ctx, *g, presented, claims.PlayerRole, claims.PlayerID)
		}

		if g.Status.Terminal() {
			return s.joinAsSpectator(ctx, *g)
		}

		if g.FirstPlayerID == "" {
			res, err := s.claim(ctx, *g, model.RoleFirst)
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrTerminal) {
				continue
			}
			return res, err
		}

		if g.SecondPlayerID == "" && g.Status == model.StatusWaiting {
			res, err := s.claim(ctx, *g, model.RoleSecond)
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrTerminal) {
				logging.Debugf("lost second seat race for game %s", gameID)
				continue
			}
			return res, err
		}

		if g.Status == model.StatusActive {
			if claims, err := s.tokens.Identify(presented); err == nil && claims.GameID == gameID {
				if role, ok := seatOf(*g, claims.PlayerID); ok {
					color, _ := g.ColorOf(role)
					raw, err := s.issuePlayer(ctx, *g, claims.PlayerID, role, color)
					if err != nil {
						return nil, err
					}
					s.log.Info("player reclaimed seat", zap.String("gameId", gameID), zap.String("role", string(role)))
					return s.joinResult(ctx, *g, raw, role, claims.PlayerID)
				}
			}
		}

		return s.joinAsSpectator(ctx, *g)
	}

	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, storeErr(err)
	}
	if g == nil {
		return nil, apperr.New(apperr.CodeNotFound, "game not found")
	}
	return s.joinAsSpectator(ctx, *g)
}

func seatOf(g model.Game, playerID string) (model.Role, bool) {
	switch playerID {
	case "":
		return "", false
	case g.FirstPlayerID:
		return model.RoleFirst, true
	case g.SecondPlayerID:
		return model.RoleSecond, true
	}
	return "", false
}

func (s *Service) claim(ctx context.Context, g model.Game, role model.Role) (*JoinResult, error) {
	playerID := utils.NewID()
	updated, err := s.store.ClaimSeat(ctx, g.ID, role, playerID)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrTerminal) {
			return nil, err
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "game not found")
		}
		return nil, storeErr(err)
	}

	color, _ := updated.ColorOf(role)
	raw, err := s.issuePlayer(ctx, *updated, playerID, role, color)
	if err != nil {
		return nil, err
	}
	s.log.Info("player joined", zap.String("gameId", g.ID), zap.String("role", string(role)), zap.String("color", string(color)))
	return s.joinResult(ctx, *updated, raw, role, playerID)
}

func (s *Service) joinAsSpectator(ctx context.Context, g model.Game) (*JoinResult, error) {
	spectatorID := utils.NewID()
	raw, err := s.issueSpectator(ctx, g.ID, spectatorID)
	if err != nil {
		return nil, err
	}
	return s.joinResult(ctx, g, raw, model.RoleSpectator, spectatorID)
}

func (s *Service) issuePlayer(ctx context.Context, g model.Game, playerID string, role model.Role, color model.Color) (string, error) {
	claims := token.PlayerClaims(g.ID, playerID, role, color, g.TimeControl, s.tokens.Now())
	claims.LastEventTimestamp = s.lastEvent(ctx, g.ID)
	return s.tokens.Issue(claims)
}

func (s *Service) issueSpectator(ctx context.Context, gameID, spectatorID string) (string, error) {
	claims := token.SpectatorClaims(gameID, spectatorID, s.tokens.Now())
	claims.LastEventTimestamp = s.lastEvent(ctx, gameID)
	return s.tokens.Issue(claims)
}

// lastEvent is best effort: a zero cursor only means the first poll replays
// history the snapshot already reflects.
func (s *Service) lastEvent(ctx context.Context, gameID string) int64 {
	if s.cursor == nil {
		return 0
	}
	ts, err := s.cursor.LastEventTimestamp(ctx, gameID)
	if err != nil {
		s.log.Warn("failed to read event cursor", zap.String("gameId", gameID), zap.Error(err))
		return 0
	}
	return ts
}

func (s *Service) joinResult(ctx context.Context, g model.Game, raw string, role model.Role, playerID string) (*JoinResult, error) {
	res := &JoinResult{
		Token:             raw,
		Role:              role,
		PlayerID:          playerID,
		Game:              g,
		OpponentConnected: g.OpponentConnected(role),
	}
	if color, ok := g.ColorOf(role); ok {
		res.Color = &color
	}
	turn, err := s.rules.SideToMove(g.CurrentFEN)
	if err != nil {
		s.log.Warn("stored position unreadable", zap.String("gameId", g.ID), zap.Error(err))
	}
	res.Turn = turn
	res.YourTurn = res.Color != nil && err == nil && !g.Status.Terminal() && *res.Color == turn
	return res, nil
}

// Spectate issues a watch-only token for an existing game.
func (s *Service) Spectate(ctx context.Context, gameID string) (string, error) {
	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return "", storeErr(err)
	}
	if g == nil {
		return "", apperr.New(apperr.CodeNotFound, "game not found")
	}
	return s.issueSpectator(ctx, gameID, utils.NewID())
}

// Authorize verifies raw and checks it belongs to gameID. An empty gameID
// accepts any game.
func (s *Service) Authorize(raw, gameID string) (*token.Claims, error) {
	if raw == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "missing token")
	}
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnauthorized, "invalid token", err)
	}
	if gameID != "" && claims.GameID != gameID {
		return nil, apperr.New(apperr.CodeUnauthorized, "token is for another game")
	}
	return claims, nil
}

// MakeMove validates and applies a move. Checks run in a fixed order: token,
// game existence, the mover's clock (only on their own turn), game status,
// turn color, then the rules engine. The position is committed only if it is
// unchanged since it was read, so two racing moves cannot both land.
func (s *Service) MakeMove(ctx context.Context, raw, gameID string, m rules.Move) (res *MoveResult, err error) {
	ctx, span := s.tracer.Start(ctx, "game.Move", trace.WithAttributes(
		attribute.String("game.id", gameID),
		attribute.String("move.uci", m.UCI()),
	))
	defer func() { endSpan(span, err) }()

	claims, err := s.Authorize(raw, gameID)
	if err != nil {
		return nil, err
	}
	color, ok := claims.Color()
	if !ok {
		return nil, apperr.New(apperr.CodeForbidden, "spectators cannot move")
	}
	if m.From == "" || m.To == "" {
		return nil, apperr.New(apperr.CodeBadRequest, "from and to are required")
	}

	g, err := s.store.GetGame(ctx, claims.GameID)
	if err != nil {
		return nil, storeErr(err)
	}
	if g == nil {
		return nil, apperr.New(apperr.CodeNotFound, "game not found")
	}

	turn, err := s.rules.SideToMove(g.CurrentFEN)
	if err != nil {
		return nil, storeErr(err)
	}

	if claims.ClockExpired(s.tokens.Now()) {
		switch {
		case g.Status.Terminal():
			return &MoveResult{GameOver: true, Result: g.Winner, NewFEN: g.CurrentFEN, Error: "game is over", Code: apperr.CodeGameNotActive}, nil
		case g.Status == model.StatusActive && turn == color:
			final, err := s.Forfeit(ctx, g.ID, color)
			if err != nil {
				return nil, err
			}
			return &MoveResult{GameOver: true, Result: final.Winner, NewFEN: final.CurrentFEN, Error: "time expired", Code: apperr.CodeClockExpired}, nil
		}
	}

	if g.Status != model.StatusActive {
		return nil, apperr.New(apperr.CodeGameNotActive, "game is not active")
	}
	if turn != color {
		return nil, apperr.New(apperr.CodeNotYourTurn, "not your turn")
	}

	applied, err := s.rules.Apply(g.CurrentFEN, m)
	if err != nil {
		if errors.Is(err, rules.ErrIllegalMove) {
			return nil, apperr.Wrap(apperr.CodeIllegalMove, "invalid move", err)
		}
		return nil, storeErr(err)
	}

	turnRecord := model.Turn{
		From:      m.From,
		To:        m.To,
		Color:     color,
		Promotion: applied.Promotion,
	}
	if _, _, err := s.store.CommitMove(ctx, g.ID, g.CurrentFEN, applied.FEN, turnRecord); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return nil, apperr.New(apperr.CodeNotYourTurn, "not your turn")
		case errors.Is(err, storage.ErrTerminal):
			return nil, apperr.New(apperr.CodeGameNotActive, "game is not active")
		default:
			return nil, storeErr(err)
		}
	}

	res = &MoveResult{Success: true, NewFEN: applied.FEN}
	if applied.Checkmate || applied.Draw {
		winner := model.WinnerDraw
		if applied.Checkmate {
			winner = model.WinnerOf(color)
		}
		final, err := s.finish(ctx, g.ID, model.StatusCompleted, winner)
		if err != nil {
			return nil, err
		}
		res.GameOver = true
		res.Result = final.Winner
		res.Method = applied.Method
		s.log.Info("game over", zap.String("gameId", g.ID), zap.String("winner", string(final.Winner)), zap.String("method", applied.Method))
	}

	res.NewToken, err = s.tokens.RefreshClock(raw, s.RefreshedClock(g.TimeControl))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnauthorized, "invalid token", err)
	}
	logging.Debugf("game %s: %s played %s", g.ID, color, m.UCI())
	return res, nil
}

// Forfeit ends an active game as a loss for loser. If the game already
// finished, the existing result stands and is returned.
func (s *Service) Forfeit(ctx context.Context, gameID string, loser model.Color) (*model.Game, error) {
	g, err := s.finish(ctx, gameID, model.StatusCompleted, model.WinnerOf(loser.Opposite()))
	if err != nil {
		return nil, err
	}
	s.log.Info("clock expired", zap.String("gameId", gameID), zap.String("loser", string(loser)))
	return g, nil
}

func (s *Service) finish(ctx context.Context, gameID string, status model.Status, winner model.Winner) (*model.Game, error) {
	g, err := s.store.UpdateGame(ctx, gameID, storage.GamePatch{Status: &status, Winner: &winner})
	switch {
	case err == nil:
		return g, nil
	case errors.Is(err, storage.ErrTerminal):
		cur, err := s.store.GetGame(ctx, gameID)
		if err != nil {
			return nil, storeErr(err)
		}
		if cur == nil {
			return nil, apperr.New(apperr.CodeNotFound, "game not found")
		}
		return cur, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.New(apperr.CodeNotFound, "game not found")
	case errors.Is(err, storage.ErrConflict):
		return nil, apperr.Wrap(apperr.CodeConflict, "game is busy, try again", err)
	default:
		return nil, storeErr(err)
	}
}

// AbortGame ends a waiting or active game without a winner. Only seated
// players may abort.
func (s *Service) AbortGame(ctx context.Context, raw, gameID string) (*model.Game, error) {
	claims, err := s.Authorize(raw, gameID)
	if err != nil {
		return nil, err
	}
	if claims.IsSpectator() {
		return nil, apperr.New(apperr.CodeForbidden, "spectators cannot abort")
	}

	aborted := model.StatusAborted
	g, err := s.store.UpdateGame(ctx, claims.GameID, storage.GamePatch{Status: &aborted})
	switch {
	case err == nil:
		s.log.Info("game aborted", zap.String("gameId", g.ID), zap.String("by", string(claims.PlayerRole)))
		return g, nil
	case errors.Is(err, storage.ErrTerminal):
		return nil, apperr.New(apperr.CodeGameNotActive, "game already finished")
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.New(apperr.CodeNotFound, "game not found")
	case errors.Is(err, storage.ErrConflict):
		return nil, apperr.Wrap(apperr.CodeConflict, "game is busy, try again", err)
	default:
		return nil, storeErr(err)
	}
}

// Turns returns a game's move history.
func (s *Service) Turns(ctx context.Context, gameID string) ([]model.Turn, error) {
	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, storeErr(err)
	}
	if g == nil {
		return nil, apperr.New(apperr.CodeNotFound, "game not found")
	}
	turns, err := s.store.GetGameTurns(ctx, gameID)
	if err != nil {
		return nil, storeErr(err)
	}
	return turns, nil
}

// WaitingGames lists games that still have a free second seat.
func (s *Service) WaitingGames(ctx context.Context) ([]model.Game, error) {
	games, err := s.store.GetWaitingGames(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return games, nil
}
