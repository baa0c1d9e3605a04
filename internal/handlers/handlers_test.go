package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"relaychess/internal/events"
	"relaychess/internal/game"
	"relaychess/internal/longpoll"
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

type server struct {
	h      http.Handler
	tokens *token.Codec
	clock  *testClock
}

func newServer(t *testing.T) *server {
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
	poller := longpoll.NewPoller(store, log, tokens, engine, svc, longpoll.WithTimeout(50*time.Millisecond))

	h := NewHandler(svc, poller, WithStats(store), WithCommit("abc1234"))
	return &server{h: h.Routes(), tokens: tokens, clock: clock}
}

func (s *server) do(t *testing.T, method, path, bearer, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return w.Code, resp
}

func (s *server) create(t *testing.T, body string) (gameID, tok string) {
	t.Helper()
	code, resp := s.do(t, "POST", "/game/create", "", body)
	require.Equal(t, http.StatusOK, code)
	return resp["gameId"].(string), resp["playerToken"].(string)
}

func (s *server) join(t *testing.T, gameID string) map[string]any {
	t.Helper()
	code, resp := s.do(t, "POST", "/game/"+gameID+"/join", "", "")
	require.Equal(t, http.StatusOK, code)
	return resp
}

func TestCreateIssuesFirstSeat(t *testing.T) {
	s := newServer(t)
	code, resp := s.do(t, "POST", "/game/create", "", `{"timeControl":300}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["success"])
	require.NotEmpty(t, resp["gameId"])
	require.NotEmpty(t, resp["playerId"])

	claims, err := s.tokens.Verify(resp["playerToken"].(string))
	require.NoError(t, err)
	require.Equal(t, "first", string(claims.PlayerRole))
	require.Equal(t, resp["gameId"], claims.GameID)
}

func TestCreateRejectsBadInput(t *testing.T) {
	s := newServer(t)
	code, resp := s.do(t, "POST", "/game/create", "", `{"timeControl":-5}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "BAD_REQUEST", resp["code"])

	code, _ = s.do(t, "POST", "/game/create", "", `{not json`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestJoinAssignsSecondThenSpectator(t *testing.T) {
	s := newServer(t)
	gameID, _ := s.create(t, `{"timeControl":300,"color":"white"}`)

	second := s.join(t, gameID)
	require.Equal(t, "second", second["playerRole"])
	require.Equal(t, "black", second["playerColor"])
	require.Equal(t, "active", second["gameStatus"])
	require.Equal(t, "white", second["playerTurn"])
	require.Equal(t, false, second["yourTurn"])
	require.Equal(t, true, second["opponentConnected"])

	third := s.join(t, gameID)
	require.Equal(t, "spectator", third["playerRole"])
	require.Nil(t, third["playerColor"])
}

func TestJoinWithTokenIsIdempotent(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{}`)

	code, resp := s.do(t, "POST", "/game/"+gameID+"/join", "", `{"token":"`+tok+`"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "first", resp["playerRole"])
	require.Equal(t, tok, resp["playerToken"])

	code, resp = s.do(t, "POST", "/game/"+gameID+"/join", tok, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "first", resp["playerRole"])
	require.Equal(t, "waiting", resp["gameStatus"])
}

func TestJoinUnknownGame(t *testing.T) {
	s := newServer(t)
	code, resp := s.do(t, "POST", "/game/nope/join", "", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", resp["code"])
}

func TestMoveSuccess(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{"timeControl":300}`)
	s.join(t, gameID)

	code, resp := s.do(t, "POST", "/game/"+gameID+"/move", tok, `{"from":"e2","to":"e4"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["success"])
	require.Equal(t, false, resp["isGameOver"])
	require.True(t, strings.HasPrefix(resp["newFen"].(string), "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq"))
	require.NotEmpty(t, resp["newToken"])
}

func TestMoveRequiresBearer(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{}`)
	s.join(t, gameID)

	code, resp := s.do(t, "POST", "/game/"+gameID+"/move", "", `{"from":"e2","to":"e4"}`)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, false, resp["success"])

	code, _ = s.do(t, "POST", "/game/"+gameID+"/move", tok+"x", `{"from":"e2","to":"e4"}`)
	require.Equal(t, http.StatusUnauthorized, code)

	other, _ := s.create(t, `{}`)
	code, _ = s.do(t, "POST", "/game/"+other+"/move", tok, `{"from":"e2","to":"e4"}`)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestMoveValidation(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{}`)
	second := s.join(t, gameID)

	code, _ := s.do(t, "POST", "/game/"+gameID+"/move", tok, `{"from":"e2"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, resp := s.do(t, "POST", "/game/"+gameID+"/move", tok, `{"from":"e2","to":"e5"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "ILLEGAL_MOVE", resp["code"])
	require.Equal(t, "invalid move", resp["error"])

	code, resp = s.do(t, "POST", "/game/"+gameID+"/move", second["playerToken"].(string), `{"from":"e7","to":"e5"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "NOT_YOUR_TURN", resp["code"])
}

func TestMoveAfterClockExpiryLoses(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{"timeControl":1}`)
	s.join(t, gameID)

	s.clock.Advance(2 * time.Second)
	code, resp := s.do(t, "POST", "/game/"+gameID+"/move", tok, `{"from":"e2","to":"e4"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, resp["success"])
	require.Equal(t, true, resp["isGameOver"])
	require.Equal(t, "black", resp["gameResult"])
	require.Equal(t, "CLOCK_EXPIRED", resp["code"])
}

func TestSpectateAndAbort(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{}`)

	code, resp := s.do(t, "POST", "/game/"+gameID+"/spectate", "", "")
	require.Equal(t, http.StatusOK, code)
	spectator := resp["spectatorToken"].(string)
	claims, err := s.tokens.Verify(spectator)
	require.NoError(t, err)
	require.True(t, claims.IsSpectator())

	code, _ = s.do(t, "POST", "/game/"+gameID+"/abort", spectator, "")
	require.Equal(t, http.StatusForbidden, code)

	code, resp = s.do(t, "POST", "/game/"+gameID+"/abort", tok, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "aborted", resp["gameStatus"])

	code, resp = s.do(t, "POST", "/game/"+gameID+"/abort", tok, "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "GAME_NOT_ACTIVE", resp["code"])

	code, _ = s.do(t, "POST", "/game/missing/spectate", "", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestPollReplaysMissedJoin(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{}`)
	s.join(t, gameID)

	code, resp := s.do(t, "GET", "/game/"+gameID+"/poll", tok, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["success"])
	require.Equal(t, "active", resp["gameStatus"])
	require.Equal(t, true, resp["opponentConnected"])
	require.Equal(t, "white", resp["playerTurn"])
	require.Equal(t, true, resp["yourTurn"])
	require.Equal(t, false, resp["check"])
	require.NotEmpty(t, resp["missedEvents"])
	require.NotEmpty(t, resp["newToken"])
}

func TestPollTimesOutWithSnapshot(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{}`)

	code, resp := s.do(t, "GET", "/game/"+gameID+"/poll", tok, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["timeout"])
	require.Equal(t, "waiting", resp["gameStatus"])
	require.Nil(t, resp["newToken"])
}

func TestPollRejectsBadTokens(t *testing.T) {
	s := newServer(t)
	gameID, tok := s.create(t, `{}`)
	other, _ := s.create(t, `{}`)

	code, _ := s.do(t, "GET", "/game/"+gameID+"/poll", "", "")
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, "GET", "/game/"+other+"/poll", tok, "")
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestTurnsAndWaitingGames(t *testing.T) {
	s := newServer(t)
	open, _ := s.create(t, `{}`)
	gameID, tok := s.create(t, `{}`)
	s.join(t, gameID)

	code, resp := s.do(t, "GET", "/games/waiting", "", "")
	require.Equal(t, http.StatusOK, code)
	games := resp["games"].([]any)
	require.Len(t, games, 1)
	require.Equal(t, open, games[0].(map[string]any)["id"])

	code, resp = s.do(t, "GET", "/game/"+gameID+"/turns", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp["turns"])

	s.do(t, "POST", "/game/"+gameID+"/move", tok, `{"from":"e2","to":"e4"}`)
	_, resp = s.do(t, "GET", "/game/"+gameID+"/turns", "", "")
	turns := resp["turns"].([]any)
	require.Len(t, turns, 1)
	require.Equal(t, "e4", turns[0].(map[string]any)["to"])
}

func TestHealthAndStats(t *testing.T) {
	s := newServer(t)
	code, resp := s.do(t, "GET", "/health", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, "abc1234", resp["commit"])

	gameID, _ := s.create(t, `{}`)
	s.create(t, `{}`)
	s.join(t, gameID)

	code, resp = s.do(t, "GET", "/stats", "", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, resp["started"])
	require.EqualValues(t, 1, resp["active"])
	require.EqualValues(t, 0, resp["completed"])
}
