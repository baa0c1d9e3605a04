package longpoll

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"relaychess/internal/apperr"
	"relaychess/internal/events"
	"relaychess/internal/game"
	"relaychess/internal/model"
	"relaychess/internal/rules"
	"relaychess/internal/storage"
	"relaychess/internal/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	poller *Poller
	svc    *game.Service
	store  *storage.GameStore
	log    *events.Log
	tokens *token.Codec
	clock  *testClock
}

func newEnv(t *testing.T, timeout time.Duration) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	log := events.NewLog(rdb, events.WithNow(clock.Now))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, log.Start(ctx))

	store := storage.NewGameStore(rdb, log, storage.WithClock(clock.Now))
	tokens := token.NewCodec("secret", token.WithNow(clock.Now))
	engine := rules.NewChessEngine()
	svc := game.NewService(store, log, tokens, engine)
	poller := NewPoller(store, log, tokens, engine, svc, WithTimeout(timeout))
	return &env{poller: poller, svc: svc, store: store, log: log, tokens: tokens, clock: clock}
}

func (e *env) create(t *testing.T, timeControl int) *game.CreateResult {
	t.Helper()
	created, err := e.svc.CreateNewGame(context.Background(), timeControl, model.White)
	require.NoError(t, err)
	return created
}

func (e *env) join(t *testing.T, gameID string) *game.JoinResult {
	t.Helper()
	joined, err := e.svc.Join(context.Background(), gameID, "")
	require.NoError(t, err)
	return joined
}

func (e *env) move(t *testing.T, raw, gameID, from, to string) string {
	t.Helper()
	res, err := e.svc.MakeMove(context.Background(), raw, gameID, rules.Move{From: from, To: to})
	require.NoError(t, err)
	require.True(t, res.Success)
	return res.NewToken
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, apperr.CodeOf(err), err.Error())
}

func TestPollRejectsBadTokens(t *testing.T) {
	e := newEnv(t, time.Second)
	ctx := context.Background()
	created := e.create(t, 300)

	_, err := e.poller.Poll(ctx, "", created.GameID)
	requireCode(t, err, apperr.CodeUnauthorized)
	_, err = e.poller.Poll(ctx, "garbage", created.GameID)
	requireCode(t, err, apperr.CodeUnauthorized)
	_, err = e.poller.Poll(ctx, created.Token, "some-other-game")
	requireCode(t, err, apperr.CodeUnauthorized)
}

func TestPollUnknownGame(t *testing.T) {
	e := newEnv(t, time.Second)
	raw, err := e.tokens.Issue(token.SpectatorClaims("ghost", "s1", e.clock.Now()))
	require.NoError(t, err)

	_, err = e.poller.Poll(context.Background(), raw, "ghost")
	requireCode(t, err, apperr.CodeNotFound)
}

func TestPollReplaysMissedEventsWithoutBlocking(t *testing.T) {
	e := newEnv(t, 10*time.Second)
	ctx := context.Background()

	created := e.create(t, 300)
	joined := e.join(t, created.GameID)
	e.move(t, created.Token, created.GameID, "e2", "e4")

	// The creator's original token predates the join and the move.
	start := time.Now()
	res, err := e.poller.Poll(ctx, created.Token, created.GameID)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	require.True(t, res.Success)
	require.True(t, strings.HasPrefix(res.FEN, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq"))
	require.True(t, res.OpponentConnected)
	require.Equal(t, model.StatusActive, res.GameStatus)
	require.Equal(t, model.Black, res.PlayerTurn)
	require.Equal(t, &LastMove{From: "e2", To: "e4"}, res.LastMove)
	require.Len(t, res.MissedEvents, 3)
	require.Equal(t, events.TypePlayerJoined, res.MissedEvents[0].Type)
	require.Equal(t, events.TypeMoveMade, res.MissedEvents[2].Type)

	claims, err := e.tokens.Verify(res.NewToken)
	require.NoError(t, err)
	require.Equal(t, res.MissedEvents[2].Timestamp, claims.LastEventTimestamp)
	require.Equal(t, 300, *claims.MoveTimeRemaining, "not the holder's turn, clock untouched")

	// Black missed only the move and is now to move: clock restarts.
	res, err = e.poller.Poll(ctx, joined.Token, created.GameID)
	require.NoError(t, err)
	require.Len(t, res.MissedEvents, 1)
	claims, err = e.tokens.Verify(res.NewToken)
	require.NoError(t, err)
	require.Equal(t, 301, *claims.MoveTimeRemaining)
	require.Equal(t, e.clock.Now().Unix(), claims.Issued)
}

func TestPollTimesOutWithSnapshot(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	created := e.create(t, 300)
	joined := e.join(t, created.GameID)

	res, err := e.poller.Poll(context.Background(), joined.Token, created.GameID)
	require.NoError(t, err)
	require.True(t, res.Timeout)
	require.Empty(t, res.NewToken)
	require.Equal(t, model.StatusActive, res.GameStatus)
	require.Equal(t, model.InitialFEN, res.FEN)
	require.Equal(t, model.White, res.PlayerTurn)
	require.True(t, res.OpponentConnected)
}

func TestPollWakesOnMove(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	created := e.create(t, 300)
	joined := e.join(t, created.GameID)

	type result struct {
		res *Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := e.poller.Poll(context.Background(), joined.Token, created.GameID)
		done <- result{res, err}
	}()

	require.Eventually(t, func() bool {
		return e.log.Hub().Watchers(created.GameID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	e.move(t, created.Token, created.GameID, "d2", "d4")

	var r result
	select {
	case r = <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("poll was not woken by the move")
	}
	require.NoError(t, r.err)
	require.Equal(t, events.TypeMoveMade, r.res.MissedEvents[0].Type)
	require.Equal(t, &LastMove{From: "d2", To: "d4"}, r.res.LastMove)
	require.Equal(t, model.Black, r.res.PlayerTurn)

	claims, err := e.tokens.Verify(r.res.NewToken)
	require.NoError(t, err)
	require.Equal(t, 301, *claims.MoveTimeRemaining)
	require.Equal(t, r.res.MissedEvents[0].Timestamp, claims.LastEventTimestamp)
	require.Zero(t, e.log.Hub().Watchers(created.GameID))
}

func TestPollWakesCreatorWhenOpponentJoins(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	created := e.create(t, 300)

	done := make(chan *Response, 1)
	go func() {
		res, err := e.poller.Poll(context.Background(), created.Token, created.GameID)
		if err != nil {
			t.Errorf("poll: %v", err)
		}
		done <- res
	}()

	require.Eventually(t, func() bool {
		return e.log.Hub().Watchers(created.GameID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	e.join(t, created.GameID)

	select {
	case res := <-done:
		require.NotNil(t, res)
		require.Equal(t, events.TypePlayerJoined, res.MissedEvents[0].Type)
		require.True(t, res.OpponentConnected)
		claims, err := e.tokens.Verify(res.NewToken)
		require.NoError(t, err)
		require.Equal(t, 301, *claims.MoveTimeRemaining, "white's clock starts when black arrives")
	case <-time.After(4 * time.Second):
		t.Fatal("poll was not woken by the join")
	}
}

func TestPollCancellationReleasesWaiter(t *testing.T) {
	e := newEnv(t, time.Minute)
	created := e.create(t, 300)
	joined := e.join(t, created.GameID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.poller.Poll(ctx, joined.Token, created.GameID)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return e.log.Hub().Watchers(created.GameID) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poll ignored cancellation")
	}
	require.Zero(t, e.log.Hub().Watchers(created.GameID))
}

func TestPollFinishedGameReturnsImmediately(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 300)
	joined := e.join(t, created.GameID)
	_, err := e.svc.AbortGame(ctx, created.Token, created.GameID)
	require.NoError(t, err)

	res, err := e.poller.Poll(ctx, joined.Token, created.GameID)
	require.NoError(t, err)
	require.Equal(t, model.StatusAborted, res.GameStatus)
	require.Empty(t, res.NewToken)
}

func TestPollForfeitsExpiredClock(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 1)
	joined := e.join(t, created.GameID)

	// Catch white up so the expiry is not excused by unseen events.
	res, err := e.poller.Poll(ctx, created.Token, created.GameID)
	require.NoError(t, err)
	white := res.NewToken

	e.clock.Advance(3 * time.Second)
	res, err = e.poller.Poll(ctx, white, created.GameID)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "time expired", res.Error)
	require.Equal(t, model.StatusCompleted, res.GameStatus)
	require.Equal(t, model.WinnerBlack, res.Winner)

	// Black catches up on the status change.
	res, err = e.poller.Poll(ctx, joined.Token, created.GameID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, res.GameStatus)
	require.Equal(t, model.WinnerBlack, res.Winner)
}

func TestPollReplaysWhenOnlySeenEventsWereTrimmed(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 100000)
	joined := e.join(t, created.GameID)

	// The move trims the join events, which black has already seen.
	e.clock.Advance(2 * time.Hour)
	e.move(t, created.Token, created.GameID, "e2", "e4")

	res, err := e.poller.Poll(ctx, joined.Token, created.GameID)
	require.NoError(t, err)
	require.False(t, res.Resynced)
	require.Len(t, res.MissedEvents, 1)
	require.Equal(t, events.TypeMoveMade, res.MissedEvents[0].Type)
	require.True(t, strings.HasPrefix(res.FEN, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq"))
	require.Equal(t, &LastMove{From: "e2", To: "e4"}, res.LastMove)
	require.True(t, res.YourTurn)
}

func TestPollResyncsWhenUnseenEventWasTrimmed(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 100000)
	joined := e.join(t, created.GameID)

	// White's move lands after black's cursor and is trimmed by black's reply
	// two hours later.
	e.move(t, created.Token, created.GameID, "e2", "e4")
	e.clock.Advance(2 * time.Hour)
	e.move(t, joined.Token, created.GameID, "e7", "e5")

	res, err := e.poller.Poll(ctx, joined.Token, created.GameID)
	require.NoError(t, err)
	require.True(t, res.Resynced)
	require.True(t, strings.HasPrefix(res.FEN, "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq"))
	require.Equal(t, &LastMove{From: "e7", To: "e5"}, res.LastMove)
	require.Equal(t, model.White, res.PlayerTurn)
	require.False(t, res.YourTurn)

	last, err := e.log.LastEventTimestamp(ctx, created.GameID)
	require.NoError(t, err)
	claims, err := e.tokens.Verify(res.NewToken)
	require.NoError(t, err)
	require.Equal(t, last, claims.LastEventTimestamp)
}

func TestPollForfeitsClockThatLapsedBeforeReplay(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 300)
	joined := e.join(t, created.GameID)

	white := e.move(t, created.Token, created.GameID, "e2", "e4")
	e.clock.Advance(10 * time.Second)
	e.move(t, joined.Token, created.GameID, "e7", "e5")
	e.clock.Advance(400 * time.Second)
	require.True(t, e.tokens.HasClockExpired(white))

	// White has not seen black's reply, but the turn began 400s ago.
	res, err := e.poller.Poll(ctx, white, created.GameID)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "time expired", res.Error)
	require.Equal(t, apperr.CodeClockExpired, res.Code)
	require.Empty(t, res.NewToken)
	require.Equal(t, model.StatusCompleted, res.GameStatus)
	require.Equal(t, model.WinnerBlack, res.Winner)

	mv, err := e.svc.MakeMove(ctx, white, created.GameID, rules.Move{From: "g1", To: "f3"})
	require.NoError(t, err)
	require.False(t, mv.Success)
	require.True(t, mv.GameOver)
	require.Equal(t, model.WinnerBlack, mv.Result)
}

func TestPollClockRunsFromOpponentsMove(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 300)
	joined := e.join(t, created.GameID)

	white := e.move(t, created.Token, created.GameID, "e2", "e4")
	res, err := e.poller.Poll(ctx, joined.Token, created.GameID)
	require.NoError(t, err)
	black := res.NewToken

	// Black thinks for a while; white's token lapses while waiting.
	e.clock.Advance(250 * time.Second)
	e.move(t, black, created.GameID, "e7", "e5")
	e.clock.Advance(100 * time.Second)
	require.True(t, e.tokens.HasClockExpired(white))

	res, err = e.poller.Poll(ctx, white, created.GameID)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.YourTurn)
	require.Equal(t, model.StatusActive, res.GameStatus)

	claims, err := e.tokens.Verify(res.NewToken)
	require.NoError(t, err)
	require.Equal(t, e.clock.Now().Add(-100*time.Second).Unix(), claims.Issued)
	require.Equal(t, 301, *claims.MoveTimeRemaining)
	e.move(t, res.NewToken, created.GameID, "g1", "f3")
}

func TestPollReportsCheck(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 300)
	joined := e.join(t, created.GameID)

	black := joined.Token
	for i, mv := range [][2]string{{"e2", "e4"}, {"f7", "f6"}, {"d1", "h5"}} {
		if i%2 == 0 {
			created.Token = e.move(t, created.Token, created.GameID, mv[0], mv[1])
			continue
		}
		res, err := e.poller.Poll(ctx, black, created.GameID)
		require.NoError(t, err)
		black = e.move(t, res.NewToken, created.GameID, mv[0], mv[1])
	}

	res, err := e.poller.Poll(ctx, black, created.GameID)
	require.NoError(t, err)
	require.True(t, res.Check)
	require.False(t, res.Checkmate)
	require.Equal(t, model.Black, res.PlayerTurn)
	require.True(t, res.YourTurn)
}

func TestReplaySkipsMalformedPayloads(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 300)

	_, err := e.log.Publish(ctx, events.Event{Type: events.TypeMoveMade, GameID: created.GameID, Data: []byte(`{"fen":42}`)})
	require.NoError(t, err)

	res, err := e.poller.Poll(ctx, created.Token, created.GameID)
	require.NoError(t, err)
	require.Equal(t, model.InitialFEN, res.FEN)
	require.Nil(t, res.LastMove)
	require.Len(t, res.MissedEvents, 1)
	require.NotEmpty(t, res.NewToken)
}

func TestSpectatorPollNeverGainsClock(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx := context.Background()
	created := e.create(t, 300)
	e.join(t, created.GameID)
	spectator, err := e.svc.Spectate(ctx, created.GameID)
	require.NoError(t, err)
	e.move(t, created.Token, created.GameID, "e2", "e4")

	res, err := e.poller.Poll(ctx, spectator, created.GameID)
	require.NoError(t, err)
	require.True(t, res.OpponentConnected)
	claims, err := e.tokens.Verify(res.NewToken)
	require.NoError(t, err)
	require.Nil(t, claims.MoveTimeRemaining)
}
