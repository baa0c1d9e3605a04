package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relaychess/internal/events"
	"relaychess/internal/logging"
	"relaychess/internal/model"
	"relaychess/pkg/utils"
)

var (
	// ErrNotFound is returned when updating a game that does not exist.
	ErrNotFound = errors.New("game not found")
	// ErrConflict is returned when a conditional update lost to a concurrent
	// writer or its precondition no longer holds.
	ErrConflict = errors.New("conflicting update")
	// ErrTerminal is returned when mutating a completed or aborted game.
	ErrTerminal = errors.New("game is finished")
)

const (
	gamesListKey = "games:list"
	maxTxRetries = 8
)

func gameKey(id string) string      { return "game:" + id }
func gameTurnsKey(id string) string { return "game:" + id + ":turns" }
func turnKey(id string) string      { return "turn:" + id }

func statusKey(s model.Status) string { return "games:" + string(s) }

// EventSink receives the events the store emits as side effects.
type EventSink interface {
	Publish(ctx context.Context, ev events.Event) (events.Event, error)
	Forget(ctx context.Context, gameID string) error
}

// Archiver keeps a durable copy of a finished game before cleanup removes it.
type Archiver interface {
	ArchiveGame(ctx context.Context, g model.Game, turns []model.Turn) error
}

// GamePatch represents a partial update to a game record.
type GamePatch struct {
	CurrentFEN     *string
	FirstPlayerID  *string
	SecondPlayerID *string
	Status         *model.Status
	Winner         *model.Winner
}

func (p GamePatch) apply(g model.Game) model.Game {
	if p.CurrentFEN != nil {
		g.CurrentFEN = *p.CurrentFEN
	}
	if p.FirstPlayerID != nil {
		g.FirstPlayerID = *p.FirstPlayerID
	}
	if p.SecondPlayerID != nil {
		g.SecondPlayerID = *p.SecondPlayerID
	}
	if p.Status != nil {
		g.Status = *p.Status
	}
	if p.Winner != nil {
		g.Winner = *p.Winner
	}
	return g
}

// GameStore is the Redis-backed source of truth for games and turns. Each
// game's status field and its status-set membership change in one MULTI.
type GameStore struct {
	rdb     *redis.Client
	events  EventSink
	archive Archiver
	now     func() time.Time
	log     *zap.Logger
}

// StoreOption configures a GameStore.
type StoreOption func(*GameStore)

// WithArchive enables archiving finished games before cleanup deletes them.
func WithArchive(a Archiver) StoreOption {
	return func(s *GameStore) { s.archive = a }
}

// WithClock injects the clock used for start, end and turn timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *GameStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *GameStore) { s.log = logging.OrNop(l) }
}

// NewGameStore creates a store over rdb. sink may be nil, in which case no
// events are emitted.
func NewGameStore(rdb *redis.Client, sink EventSink, opts ...StoreOption) *GameStore {
	s := &GameStore{rdb: rdb, events: sink, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateGame assigns an id, writes the record and indexes it. Zero fields
// default to the starting position, status waiting and the current time.
func (s *GameStore) CreateGame(ctx context.Context, g model.Game) (*model.Game, error) {
	g.ID = utils.NewID()
	if g.CurrentFEN == "" {
		g.CurrentFEN = model.InitialFEN
	}
	if g.Status == "" {
		g.Status = model.StatusWaiting
	}
	if g.StartDate.IsZero() {
		g.StartDate = s.now().UTC()
	}

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, gameKey(g.ID), encodeGame(g))
		p.LPush(ctx, gamesListKey, g.ID)
		p.SAdd(ctx, statusKey(g.Status), g.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	logging.Debugf("created game %s", g.ID)
	return &g, nil
}

// GetGame returns the game with id, or nil when it does not exist.
func (s *GameStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	vals, err := s.rdb.HGetAll(ctx, gameKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read game %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return decodeGame(vals)
}

// UpdateGame merges patch into the game. A status change moves set
// membership in the same transaction and stamps endDate on terminal states.
// player_joined and game_status_changed are published after commit.
func (s *GameStore) UpdateGame(ctx context.Context, id string, patch GamePatch) (*model.Game, error) {
	return s.mutate(ctx, id, func(model.Game) (GamePatch, error) { return patch, nil })
}

// UpdateGameFen stores a new position.
func (s *GameStore) UpdateGameFen(ctx context.Context, id, fen string) error {
	_, err := s.UpdateGame(ctx, id, GamePatch{CurrentFEN: &fen})
	return err
}

// CommitMove stores next and appends t only if the game is active and still
// at expected. Position and turn record land in one transaction; move_made
// follows the commit. It returns ErrConflict when another move got there
// first.
func (s *GameStore) CommitMove(ctx context.Context, id, expected, next string, t model.Turn) (*model.Game, *model.Turn, error) {
	t.ID = utils.NewID()
	t.GameID = id
	if t.CreateTime.IsZero() {
		t.CreateTime = s.now().UTC()
	}

	g, err := s.mutate(ctx, id, func(cur model.Game) (GamePatch, error) {
		if cur.Status != model.StatusActive || cur.CurrentFEN != expected {
			return GamePatch{}, ErrConflict
		}
		return GamePatch{CurrentFEN: &next}, nil
	}, func(p redis.Pipeliner) { queueTurn(ctx, p, t) })
	if err != nil {
		return nil, nil, err
	}
	s.announceMove(ctx, t, next)
	return g, &t, nil
}

// CreateTurn appends a turn to its game on its own and publishes move_made
// carrying fen, the position after the move. Moves made through the session
// service go through CommitMove instead.
func (s *GameStore) CreateTurn(ctx context.Context, t model.Turn, fen string) (*model.Turn, error) {
	t.ID = utils.NewID()
	if t.CreateTime.IsZero() {
		t.CreateTime = s.now().UTC()
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		queueTurn(ctx, p, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	s.announceMove(ctx, t, fen)
	return &t, nil
}

func queueTurn(ctx context.Context, p redis.Pipeliner, t model.Turn) {
	p.HSet(ctx, turnKey(t.ID), encodeTurn(t))
	p.ZAdd(ctx, gameTurnsKey(t.GameID), redis.Z{Score: float64(t.CreateTime.UnixMicro()), Member: t.ID})
}

func (s *GameStore) announceMove(ctx context.Context, t model.Turn, fen string) {
	if s.events == nil {
		return
	}
	ev := events.NewMoveMade(t.GameID, events.MoveMade{
		TurnID:    t.ID,
		From:      t.From,
		To:        t.To,
		Color:     t.Color,
		FEN:       fen,
		Promotion: t.Promotion,
	})
	if _, err := s.events.Publish(ctx, ev); err != nil {
		s.log.Error("failed to publish move", zap.String("gameId", t.GameID), zap.Error(err))
	}
}

// ClaimSeat seats playerID in role if that seat is free. Claiming the second
// seat requires a waiting game and activates it. ErrConflict means the seat
// is taken or the game moved on.
func (s *GameStore) ClaimSeat(ctx context.Context, id string, role model.Role, playerID string) (*model.Game, error) {
	return s.mutate(ctx, id, func(cur model.Game) (GamePatch, error) {
		switch role {
		case model.RoleFirst:
			if cur.FirstPlayerID != "" {
				return GamePatch{}, ErrConflict
			}
			return GamePatch{FirstPlayerID: &playerID}, nil
		case model.RoleSecond:
			if cur.SecondPlayerID != "" || cur.Status != model.StatusWaiting {
				return GamePatch{}, ErrConflict
			}
			active := model.StatusActive
			return GamePatch{SecondPlayerID: &playerID, Status: &active}, nil
		default:
			return GamePatch{}, fmt.Errorf("cannot claim a %s seat", role)
		}
	})
}

type mutation func(cur model.Game) (GamePatch, error)

// mutate applies fn to the current record under WATCH, retrying when another
// writer touches the game between read and commit. also queues extra writes
// into the same MULTI.
func (s *GameStore) mutate(ctx context.Context, id string, fn mutation, also ...func(redis.Pipeliner)) (*model.Game, error) {
	key := gameKey(id)
	var before, after model.Game

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return ErrNotFound
		}
		cur, err := decodeGame(vals)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return ErrTerminal
		}
		patch, err := fn(*cur)
		if err != nil {
			return err
		}

		next := patch.apply(*cur)
		if next.Status != cur.Status && next.Status.Terminal() {
			end := s.now().UTC()
			next.EndDate = &end
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeGame(next))
			if next.Status != cur.Status {
				p.SRem(ctx, statusKey(cur.Status), id)
				p.SAdd(ctx, statusKey(next.Status), id)
			}
			for _, queue := range also {
				queue(p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		before, after = *cur, next
		return nil
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		logging.Debugf("retrying update of game %s after concurrent write", id)
	}
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		return nil, fmt.Errorf("update game %s: %w", id, ErrConflict)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrTerminal):
		return nil, err
	default:
		return nil, fmt.Errorf("update game %s: %w", id, err)
	}

	s.announce(ctx, before, after)
	return &after, nil
}

// announce publishes the events implied by a committed update. The record
// is already authoritative, so a failed publish is logged and not returned.
func (s *GameStore) announce(ctx context.Context, before, after model.Game) {
	if s.events == nil {
		return
	}
	var evs []events.Event
	if before.FirstPlayerID == "" && after.FirstPlayerID != "" {
		evs = append(evs, events.NewPlayerJoined(after.ID, events.PlayerJoined{PlayerID: after.FirstPlayerID, PlayerRole: model.RoleFirst}))
	}
	if before.SecondPlayerID == "" && after.SecondPlayerID != "" {
		evs = append(evs, events.NewPlayerJoined(after.ID, events.PlayerJoined{PlayerID: after.SecondPlayerID, PlayerRole: model.RoleSecond}))
	}
	if before.Status != after.Status {
		evs = append(evs, events.NewStatusChanged(after.ID, events.StatusChanged{Status: after.Status, Winner: after.Winner}))
	}
	for _, ev := range evs {
		if _, err := s.events.Publish(ctx, ev); err != nil {
			s.log.Error("failed to publish game event", zap.String("gameId", after.ID), zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

// GetLatestTurn returns the most recent turn of a game, or nil.
func (s *GameStore) GetLatestTurn(ctx context.Context, gameID string) (*model.Turn, error) {
	ids, err := s.rdb.ZRevRange(ctx, gameTurnsKey(gameID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns of %s: %w", gameID, err)
	}
	turns, err := s.loadTurns(ctx, ids)
	if err != nil || len(turns) == 0 {
		return nil, err
	}
	return &turns[0], nil
}

// GetGameTurns returns a game's turns, oldest first.
func (s *GameStore) GetGameTurns(ctx context.Context, gameID string) ([]model.Turn, error) {
	ids, err := s.rdb.ZRange(ctx, gameTurnsKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns of %s: %w", gameID, err)
	}
	return s.loadTurns(ctx, ids)
}

func (s *GameStore) loadTurns(ctx context.Context, ids []string) ([]model.Turn, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, turnKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}

	out := make([]model.Turn, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		t, err := decodeTurn(vals)
		if err != nil {
			s.log.Warn("skipping unreadable turn", zap.Error(err))
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// GetWaitingGames returns the games waiting for a second player, oldest
// first.
func (s *GameStore) GetWaitingGames(ctx context.Context) ([]model.Game, error) {
	return s.gamesWithStatus(ctx, model.StatusWaiting)
}

func (s *GameStore) gamesWithStatus(ctx context.Context, status model.Status) ([]model.Game, error) {
	ids, err := s.rdb.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s games: %w", status, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, gameKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s games: %w", status, err)
	}

	out := make([]model.Game, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		g, err := decodeGame(vals)
		if err != nil {
			s.log.Warn("skipping unreadable game", zap.Error(err))
			continue
		}
		if g.Status == status {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// CleanupOldGames deletes finished games whose end date is more than
// maxAgeDays ago, together with their turns and events, and returns how many
// were removed. A game that fails to archive or delete is skipped.
func (s *GameStore) CleanupOldGames(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	removed := 0
	for _, status := range []model.Status{model.StatusCompleted, model.StatusAborted} {
		ids, err := s.rdb.SMembers(ctx, statusKey(status)).Result()
		if err != nil {
			return removed, fmt.Errorf("read %s games: %w", status, err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			ok, err := s.cleanupGame(ctx, id, status, cutoff)
			if err != nil {
				s.log.Warn("failed to clean up game", zap.String("gameId", id), zap.Error(err))
				continue
			}
			if ok {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *GameStore) cleanupGame(ctx context.Context, id string, indexed model.Status, cutoff time.Time) (bool, error) {
	g, err := s.GetGame(ctx, id)
	if err != nil {
		return false, err
	}
	if g == nil {
		return false, s.rdb.SRem(ctx, statusKey(indexed), id).Err()
	}
	ended := g.StartDate
	if g.EndDate != nil {
		ended = *g.EndDate
	}
	if !g.Status.Terminal() || !ended.Before(cutoff) {
		return false, nil
	}

	turnIDs, err := s.rdb.ZRange(ctx, gameTurnsKey(id), 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("read turns: %w", err)
	}
	if s.archive != nil {
		turns, err := s.loadTurns(ctx, turnIDs)
		if err != nil {
			return false, err
		}
		if err := s.archive.ArchiveGame(ctx, *g, turns); err != nil {
			return false, fmt.Errorf("archive: %w", err)
		}
	}

	keys := []string{gameKey(id), gameTurnsKey(id)}
	for _, tid := range turnIDs {
		keys = append(keys, turnKey(tid))
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		for _, st := range model.Statuses {
			p.SRem(ctx, statusKey(st), id)
		}
		p.LRem(ctx, gamesListKey, 0, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete: %w", err)
	}
	if s.events != nil {
		if err := s.events.Forget(ctx, id); err != nil {
			s.log.Warn("failed to drop event history", zap.String("gameId", id), zap.Error(err))
		}
	}
	logging.Debugf("cleaned up game %s", id)
	return true, nil
}

// ReconcileStatusSets makes every listed game a member of exactly the set
// matching its status and returns how many games were repaired.
func (s *GameStore) ReconcileStatusSets(ctx context.Context) (int, error) {
	ids, err := s.rdb.LRange(ctx, gamesListKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read games list: %w", err)
	}
	fixed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		ok, err := s.reconcileGame(ctx, id)
		if err != nil {
			s.log.Warn("failed to reconcile game", zap.String("gameId", id), zap.Error(err))
			continue
		}
		if ok {
			fixed++
		}
	}
	return fixed, nil
}

func (s *GameStore) reconcileGame(ctx context.Context, id string) (bool, error) {
	key := gameKey(id)
	repaired := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		want := model.Status(status)

		var add []model.Status
		var rem []model.Status
		for _, st := range model.Statuses {
			member, err := tx.SIsMember(ctx, statusKey(st), id).Result()
			if err != nil {
				return err
			}
			if st == want && !member {
				add = append(add, st)
			}
			if st != want && member {
				rem = append(rem, st)
			}
		}
		if len(add) == 0 && len(rem) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, st := range add {
				p.SAdd(ctx, statusKey(st), id)
			}
			for _, st := range rem {
				p.SRem(ctx, statusKey(st), id)
			}
			return nil
		})
		if err == nil {
			repaired = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// The game changed underneath us; its writer moved the sets.
		return false, nil
	}
	return repaired, err
}

// Counts reports how many games each status set holds.
func (s *GameStore) Counts(ctx context.Context) (map[model.Status]int64, error) {
	cmds := make(map[model.Status]*redis.IntCmd, len(model.Statuses))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, st := range model.Statuses {
			cmds[st] = p.SCard(ctx, statusKey(st))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count games: %w", err)
	}
	out := make(map[model.Status]int64, len(cmds))
	for st, cmd := range cmds {
		out[st] = cmd.Val()
	}
	return out, nil
}

func encodeGame(g model.Game) map[string]any {
	end := ""
	if g.EndDate != nil {
		end = g.EndDate.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":               g.ID,
		"currentFen":       g.CurrentFEN,
		"startDate":        g.StartDate.UTC().Format(time.RFC3339Nano),
		"endDate":          end,
		"firstPlayerColor": string(g.FirstPlayerColor),
		"firstPlayerId":    g.FirstPlayerID,
		"secondPlayerId":   g.SecondPlayerID,
		"status":           string(g.Status),
		"winner":           string(g.Winner),
		"timeControl":      strconv.Itoa(g.TimeControl),
	}
}

func decodeGame(m map[string]string) (*model.Game, error) {
	g := model.Game{
		ID:               m["id"],
		CurrentFEN:       m["currentFen"],
		FirstPlayerColor: model.Color(m["firstPlayerColor"]),
		FirstPlayerID:    m["firstPlayerId"],
		SecondPlayerID:   m["secondPlayerId"],
		Status:           model.Status(m["status"]),
		Winner:           model.Winner(m["winner"]),
	}
	if g.ID == "" {
		return nil, errors.New("game record without id")
	}
	var err error
	if v := m["startDate"]; v != "" {
		if g.StartDate, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("game %s start date: %w", g.ID, err)
		}
	}
	if v := m["endDate"]; v != "" {
		end, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("game %s end date: %w", g.ID, err)
		}
		g.EndDate = &end
	}
	if v := m["timeControl"]; v != "" {
		if g.TimeControl, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("game %s time control: %w", g.ID, err)
		}
	}
	return &g, nil
}

func encodeTurn(t model.Turn) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"gameId":     t.GameID,
		"from":       t.From,
		"to":         t.To,
		"createTime": t.CreateTime.UTC().Format(time.RFC3339Nano),
		"color":      string(t.Color),
		"promotion":  t.Promotion,
	}
}

func decodeTurn(m map[string]string) (*model.Turn, error) {
	created, err := time.Parse(time.RFC3339Nano, m["createTime"])
	if err != nil {
		return nil, fmt.Errorf("turn %s create time: %w", m["id"], err)
	}
	return &model.Turn{
		ID:         m["id"],
		GameID:     m["gameId"],
		From:       m["from"],
		To:         m["to"],
		CreateTime: created,
		Color:      model.Color(m["color"]),
		Promotion:  m["promotion"],
	}, nil
}
