// Package client talks to a relaychess server over HTTP and keeps a
// long-poll loop running for one game.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultRetryDelay is the pause between polls.
const DefaultRetryDelay = time.Second

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relaychess: http %d", e.Status)
	}
	return fmt.Sprintf("relaychess: http %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// CreateResponse is returned when a game is created.
type CreateResponse struct {
	GameID      string `json:"gameId"`
	PlayerToken string `json:"playerToken"`
	PlayerID    string `json:"playerId"`
	PlayerColor string `json:"playerColor"`
}

// JoinResponse describes the seat the server assigned.
type JoinResponse struct {
	PlayerToken       string  `json:"playerToken"`
	PlayerRole        string  `json:"playerRole"`
	PlayerColor       *string `json:"playerColor"`
	PlayerID          string  `json:"playerId"`
	GameStatus        string  `json:"gameStatus"`
	FEN               string  `json:"fenPosition"`
	PlayerTurn        string  `json:"playerTurn"`
	YourTurn          bool    `json:"yourTurn"`
	OpponentConnected bool    `json:"opponentConnected"`
}

// Move is a move submission.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// MoveResponse is the outcome of a move.
type MoveResponse struct {
	Success    bool   `json:"success"`
	NewFEN     string `json:"newFen"`
	IsGameOver bool   `json:"isGameOver"`
	GameResult string `json:"gameResult"`
	Method     string `json:"method"`
	NewToken   string `json:"newToken"`
	Error      string `json:"error"`
	Code       string `json:"code"`
}

// LastMove is the most recent move a poll reports.
type LastMove struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion"`
}

// PollResponse is one long-poll answer.
type PollResponse struct {
	Success           bool      `json:"success"`
	GameStatus        string    `json:"gameStatus"`
	FEN               string    `json:"fenPosition"`
	LastMove          *LastMove `json:"lastMove"`
	PlayerTurn        string    `json:"playerTurn"`
	YourTurn          bool      `json:"yourTurn"`
	Check             bool      `json:"check"`
	Checkmate         bool      `json:"checkmate"`
	Draw              bool      `json:"draw"`
	Winner            string    `json:"winner"`
	NewToken          string    `json:"newToken"`
	OpponentConnected bool      `json:"opponentConnected"`
	EventType         string    `json:"eventType"`
	Resynced          bool      `json:"resynced"`
	Timeout           bool      `json:"timeout"`
	Error             string    `json:"error"`
	Code              string    `json:"code"`
}

// Finished reports whether the game can no longer change.
func (r *PollResponse) Finished() bool {
	return r.GameStatus == "completed" || r.GameStatus == "aborted"
}

// Client is a relaychess API client.
type Client struct {
	baseURL    string
	http       *http.Client
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryDelay sets the pause between polls.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       http.DefaultClient,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create starts a game. An empty color lets the server pick white.
func (c *Client) Create(ctx context.Context, timeControl int, color string) (*CreateResponse, error) {
	var res CreateResponse
	body := map[string]any{"timeControl": timeControl}
	if color != "" {
		body["color"] = color
	}
	if err := c.do(ctx, http.MethodPost, "/game/create", "", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Join takes a seat in gameID, presenting token when the caller has one.
func (c *Client) Join(ctx context.Context, gameID, token string) (*JoinResponse, error) {
	var res JoinResponse
	if err := c.do(ctx, http.MethodPost, "/game/"+gameID+"/join", token, map[string]string{"token": token}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Spectate returns a watch-only token for gameID.
func (c *Client) Spectate(ctx context.Context, gameID string) (string, error) {
	var res struct {
		SpectatorToken string `json:"spectatorToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/game/"+gameID+"/spectate", "", nil, &res); err != nil {
		return "", err
	}
	return res.SpectatorToken, nil
}

// Move submits a move.
func (c *Client) Move(ctx context.Context, gameID, token string, m Move) (*MoveResponse, error) {
	var res MoveResponse
	if err := c.do(ctx, http.MethodPost, "/game/"+gameID+"/move", token, m, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Abort ends a waiting or active game and returns its new status.
func (c *Client) Abort(ctx context.Context, gameID, token string) (string, error) {
	var res struct {
		GameStatus string `json:"gameStatus"`
	}
	if err := c.do(ctx, http.MethodPost, "/game/"+gameID+"/abort", token, nil, &res); err != nil {
		return "", err
	}
	return res.GameStatus, nil
}

// Poll issues a single long-poll request.
func (c *Client) Poll(ctx context.Context, gameID, token string) (*PollResponse, error) {
	var res PollResponse
	if err := c.do(ctx, http.MethodGet, "/game/"+gameID+"/poll", token, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil {
			apiErr.Message = payload.Error
			apiErr.Code = payload.Code
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
