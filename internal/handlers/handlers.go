package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"relaychess/internal/apperr"
	"relaychess/internal/game"
	"relaychess/internal/logging"
	"relaychess/internal/longpoll"
	"relaychess/internal/model"
	"relaychess/internal/rules"
	"relaychess/internal/storage"
)

// Sessions is the game lifecycle the HTTP surface drives.
type Sessions interface {
	CreateNewGame(ctx context.Context, timeControl int, color model.Color) (*game.CreateResult, error)
	Join(ctx context.Context, gameID, presented string) (*game.JoinResult, error)
	Spectate(ctx context.Context, gameID string) (string, error)
	MakeMove(ctx context.Context, raw, gameID string, m rules.Move) (*game.MoveResult, error)
	AbortGame(ctx context.Context, raw, gameID string) (*model.Game, error)
	Turns(ctx context.Context, gameID string) ([]model.Turn, error)
	WaitingGames(ctx context.Context) ([]model.Game, error)
}

// Poller answers long-poll requests.
type Poller interface {
	Poll(ctx context.Context, raw, gameID string) (*longpoll.Response, error)
}

// StatsSource reports aggregate game counts.
type StatsSource interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	sessions Sessions
	poller   Poller
	stats    StatsSource
	commit   string
	log      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for request and error logs.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = logging.OrNop(l) }
}

// WithCommit sets the build revision reported by /health.
func WithCommit(commit string) Option {
	return func(h *Handler) { h.commit = commit }
}

// WithStats enables /stats.
func WithStats(s StatsSource) Option {
	return func(h *Handler) { h.stats = s }
}

// NewHandler creates a new handler instance
func NewHandler(sessions Sessions, poller Poller, opts ...Option) *Handler {
	h := &Handler{sessions: sessions, poller: poller, commit: "dev", log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, correlationIDMiddleware, requestLogger(h.log), cors)

	r.Get("/health", h.HandleHealth)
	r.Get("/stats", h.HandleStats)
	r.Get("/games/waiting", h.HandleWaitingGames)

	r.Post("/game/create", h.HandleCreate)
	r.Route("/game/{id}", func(r chi.Router) {
		r.Post("/join", h.HandleJoin)
		r.Post("/spectate", h.HandleSpectate)
		r.Post("/move", h.HandleMove)
		r.Post("/abort", h.HandleAbort)
		r.Get("/poll", h.HandlePoll)
		r.Get("/turns", h.HandleTurns)
	})
	return r
}

type createRequest struct {
	TimeControl int         `json:"timeControl"`
	Color       model.Color `json:"color"`
}

type createResponse struct {
	Success bool `json:"success"`
	*game.CreateResult
}

// HandleCreate starts a new game and seats the caller first.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.sessions.CreateNewGame(r.Context(), req.TimeControl, req.Color)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, createResponse{Success: true, CreateResult: res})
}

type joinRequest struct {
	Token string `json:"token"`
}

type joinResponse struct {
	Success           bool         `json:"success"`
	PlayerToken       string       `json:"playerToken"`
	PlayerRole        model.Role   `json:"playerRole"`
	PlayerColor       *model.Color `json:"playerColor"`
	PlayerID          string       `json:"playerId"`
	GameStatus        model.Status `json:"gameStatus"`
	FEN               string       `json:"fenPosition"`
	PlayerTurn        model.Color  `json:"playerTurn"`
	YourTurn          bool         `json:"yourTurn"`
	OpponentConnected bool         `json:"opponentConnected"`
}

// HandleJoin seats the caller, or makes them a spectator. A token in the
// body takes precedence over the Authorization header.
func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	presented := req.Token
	if presented == "" {
		presented = bearerToken(r)
	}

	res, err := h.sessions.Join(r.Context(), chi.URLParam(r, "id"), presented)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, joinResponse{
		Success:           true,
		PlayerToken:       res.Token,
		PlayerRole:        res.Role,
		PlayerColor:       res.Color,
		PlayerID:          res.PlayerID,
		GameStatus:        res.Game.Status,
		FEN:               res.Game.CurrentFEN,
		PlayerTurn:        res.Turn,
		YourTurn:          res.YourTurn,
		OpponentConnected: res.OpponentConnected,
	})
}

// HandleSpectate issues a watch-only token.
func (h *Handler) HandleSpectate(w http.ResponseWriter, r *http.Request) {
	raw, err := h.sessions.Spectate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "spectatorToken": raw})
}

type moveResponse struct {
	Success    bool         `json:"success"`
	NewFEN     string       `json:"newFen,omitempty"`
	IsGameOver bool         `json:"isGameOver"`
	GameResult model.Winner `json:"gameResult,omitempty"`
	Method     string       `json:"method,omitempty"`
	NewToken   string       `json:"newToken,omitempty"`
	Error      string       `json:"error,omitempty"`
	Code       apperr.Code  `json:"code,omitempty"`
}

// HandleMove processes a chess move
func (h *Handler) HandleMove(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		WriteJSON(w, http.StatusUnauthorized, moveResponse{Error: "missing or malformed authorization"})
		return
	}

	var m rules.Move
	if err := decodeBody(r, &m); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.sessions.MakeMove(r.Context(), raw, chi.URLParam(r, "id"), m)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, moveResponse{
		Success:    res.Success,
		NewFEN:     res.NewFEN,
		IsGameOver: res.GameOver,
		GameResult: res.Result,
		Method:     res.Method,
		NewToken:   res.NewToken,
		Error:      res.Error,
		Code:       res.Code,
	})
}

// HandleAbort ends a waiting or active game without a winner.
func (h *Handler) HandleAbort(w http.ResponseWriter, r *http.Request) {
	g, err := h.sessions.AbortGame(r.Context(), bearerToken(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "gameStatus": g.Status})
}

// HandlePoll blocks until the game changes or the poll times out. When the
// client goes away nothing is written.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := h.poller.Poll(r.Context(), bearerToken(r), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			logging.Debugf("poll for game %s abandoned by client", chi.URLParam(r, "id"))
			return
		}
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	WriteJSON(w, http.StatusOK, res)
}

// HandleTurns lists a game's moves in play order.
func (h *Handler) HandleTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := h.sessions.Turns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "turns": turns})
}

// HandleWaitingGames lists games with a free seat.
func (h *Handler) HandleWaitingGames(w http.ResponseWriter, r *http.Request) {
	games, err := h.sessions.WaitingGames(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if games == nil {
		games = []model.Game{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "games": games})
}

// HandleHealth reports liveness and the running build.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"commit": h.commit,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleStats reports started, completed and active game counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	var st storage.Stats
	if h.stats != nil {
		var err error
		st, err = h.stats.Stats(r.Context())
		if err != nil {
			h.log.Warn("stats unavailable", zap.Error(err))
			WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "stats unavailable", Code: apperr.CodeStore})
			return
		}
	}
	WriteJSON(w, http.StatusOK, st)
}
