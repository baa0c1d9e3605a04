// Package longpoll answers "what changed since my last poll" for a token
// holder: it replays missed events when there are any and otherwise waits
// for the next one.
package longpoll

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"relaychess/internal/apperr"
	"relaychess/internal/events"
	"relaychess/internal/logging"
	"relaychess/internal/model"
	"relaychess/internal/rules"
	"relaychess/internal/token"
)

// DefaultTimeout is how long a poll blocks waiting for an event.
const DefaultTimeout = 30 * time.Second

// Games reads authoritative game state.
type Games interface {
	GetGame(ctx context.Context, id string) (*model.Game, error)
	GetLatestTurn(ctx context.Context, gameID string) (*model.Turn, error)
}

// Events is the replay and wake-up source.
type Events interface {
	Subscribe(gameID string) *events.Subscription
	EventsSince(ctx context.Context, gameID string, since int64) ([]events.Event, error)
	TrimmedThrough(ctx context.Context, gameID string) (int64, error)
	LastEventTimestamp(ctx context.Context, gameID string) (int64, error)
}

// Referee ends games on clock expiry and sizes refreshed clocks.
type Referee interface {
	Forfeit(ctx context.Context, gameID string, loser model.Color) (*model.Game, error)
	RefreshedClock(timeControl int) int
}

// LastMove is the most recent move known to the response.
type LastMove struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// MissedEvent summarises a replayed event.
type MissedEvent struct {
	Type      events.Type `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Response is the body of a poll reply.
type Response struct {
	Success           bool           `json:"success"`
	GameStatus        model.Status   `json:"gameStatus,omitempty"`
	FEN               string         `json:"fenPosition,omitempty"`
	LastMove          *LastMove      `json:"lastMove,omitempty"`
	// PlayerTurn is the side to move; YourTurn says whether that is the
	// holder.
	PlayerTurn        model.Color    `json:"playerTurn,omitempty"`
	YourTurn          bool           `json:"yourTurn"`
	Check             bool           `json:"check"`
	Checkmate         bool           `json:"checkmate"`
	Draw              bool           `json:"draw"`
	Winner            model.Winner   `json:"winner,omitempty"`
	NewToken          string         `json:"newToken,omitempty"`
	OpponentConnected bool           `json:"opponentConnected"`
	EventType         events.Type    `json:"eventType,omitempty"`
	MissedEvents      []MissedEvent  `json:"missedEvents,omitempty"`
	Events            []events.Event `json:"events,omitempty"`
	Resynced          bool           `json:"resynced,omitempty"`
	Timeout           bool           `json:"timeout,omitempty"`
	Error             string         `json:"error,omitempty"`
	Code              apperr.Code    `json:"code,omitempty"`
}

// Poller implements the long-poll contract.
type Poller struct {
	games   Games
	events  Events
	tokens  *token.Codec
	rules   rules.Engine
	referee Referee
	timeout time.Duration
	log     *zap.Logger
	tracer  trace.Tracer
}

// Option configures a Poller.
type Option func(*Poller)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) { p.log = logging.OrNop(l) }
}

// NewPoller wires a Poller.
func NewPoller(games Games, evs Events, tokens *token.Codec, engine rules.Engine, referee Referee, opts ...Option) *Poller {
	p := &Poller{
		games:   games,
		events:  evs,
		tokens:  tokens,
		rules:   engine,
		referee: referee,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		tracer:  otel.Tracer("relaychess/longpoll"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Timeout is how long Poll may block.
func (p *Poller) Timeout() time.Duration {
	return p.timeout
}

// Poll answers one long-poll request for gameID. Steps: authenticate, load
// the game, return finished games at once, fold missed events, forfeit a
// holder whose clock ran out on their own turn, then either answer with the
// folded state or block.
func (p *Poller) Poll(ctx context.Context, raw, gameID string) (res *Response, err error) {
	ctx, span := p.tracer.Start(ctx, "longpoll.Poll", trace.WithAttributes(attribute.String("game.id", gameID)))
	defer func() {
		if res != nil {
			span.SetAttributes(attribute.Bool("poll.timeout", res.Timeout), attribute.Int("poll.replayed", len(res.MissedEvents)))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if raw == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "missing token")
	}
	claims, err := p.tokens.Verify(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnauthorized, "invalid token", err)
	}
	if claims.GameID != gameID {
		return nil, apperr.New(apperr.CodeUnauthorized, "token is for another game")
	}

	g, err := p.loadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status.Terminal() {
		return p.snapshot(ctx, *g, claims.PlayerRole), nil
	}

	// Register before reading history so an event published in between
	// still wakes this poll.
	sub := p.events.Subscribe(gameID)
	defer sub.Close()

	cursor := claims.LastEventTimestamp
	missed, err := p.events.EventsSince(ctx, gameID, cursor)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStore, "store failure", err)
	}
	stale, err := p.historyEvicted(ctx, gameID, cursor, len(missed) > 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStore, "store failure", err)
	}

	var (
		folded  *Response
		newest  int64
		started time.Time
		handed  bool
	)
	switch {
	case stale:
		folded = p.snapshot(ctx, *g, claims.PlayerRole)
		folded.Resynced = true
		if newest, err = p.events.LastEventTimestamp(ctx, gameID); err != nil {
			return nil, apperr.Wrap(apperr.CodeStore, "store failure", err)
		}
		started, handed = p.lastHandover(ctx, *g)
		p.log.Info("poll resynced from snapshot", zap.String("gameId", gameID), zap.Int64("cursor", cursor))
	case len(missed) > 0:
		folded = p.fold(*g, claims, missed)
		newest = missed[len(missed)-1].Timestamp
		if color, ok := claims.Color(); ok {
			started, handed = turnStart(missed, color)
		}
		logging.Debugf("replaying %d events for game %s", len(missed), gameID)
	default:
		folded = &Response{GameStatus: g.Status}
		if folded.PlayerTurn, err = p.rules.SideToMove(g.CurrentFEN); err != nil {
			p.log.Warn("unreadable position", zap.String("gameId", gameID), zap.Error(err))
		}
	}

	// A lapsed clock on the holder's own turn loses before anything is
	// handed back, whatever the holder has not seen yet.
	if p.clockRanOut(*g, claims, folded.GameStatus, folded.PlayerTurn, started, handed) {
		final, err := p.referee.Forfeit(ctx, gameID, *claims.PlayerColor)
		if err != nil {
			return nil, err
		}
		res := p.snapshot(ctx, *final, claims.PlayerRole)
		res.Success = false
		res.Error = "time expired"
		res.Code = apperr.CodeClockExpired
		return res, nil
	}

	if stale || len(missed) > 0 {
		tok, err := p.rotate(raw, *g, claims, folded.PlayerTurn, folded.GameStatus, started, handed, newest)
		if err != nil {
			return nil, err
		}
		folded.NewToken = tok
		return folded, nil
	}

	ev, err := sub.Wait(ctx, p.timeout)
	if err != nil {
		return nil, err
	}

	g, err = p.loadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		res := p.snapshot(ctx, *g, claims.PlayerRole)
		res.Timeout = true
		return res, nil
	}
	return p.deliver(ctx, raw, *g, claims, *ev)
}

// clockRanOut reports whether the holder is to move in an active game and
// out of time. When the events being delivered hand the holder the turn,
// the clock runs from that handover rather than from the token.
func (p *Poller) clockRanOut(g model.Game, claims *token.Claims, status model.Status, turn model.Color, started time.Time, handed bool) bool {
	color, isPlayer := claims.Color()
	if !isPlayer || status != model.StatusActive || turn != color {
		return false
	}
	now := p.tokens.Now()
	if handed {
		return now.Unix()-started.Unix() > int64(p.referee.RefreshedClock(g.TimeControl))
	}
	return claims.ClockExpired(now)
}

// turnStart finds the newest event in evs that changed whose turn it is. It
// reports false when there is none, or when it was color's own move.
func turnStart(evs []events.Event, color model.Color) (time.Time, bool) {
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		switch ev.Type {
		case events.TypeMoveMade:
			mv, ok := ev.MoveMade()
			if !ok {
				continue
			}
			return time.UnixMilli(ev.Timestamp), mv.Color != color
		case events.TypePlayerJoined:
			// The second seat filling is what starts white's first clock.
			if pj, ok := ev.PlayerJoined(); ok && pj.PlayerRole == model.RoleSecond {
				return time.UnixMilli(ev.Timestamp), true
			}
		}
	}
	return time.Time{}, false
}

// lastHandover dates the current turn from the latest move record when the
// events that would say so are gone. A game with no moves yet starts now.
func (p *Poller) lastHandover(ctx context.Context, g model.Game) (time.Time, bool) {
	last, err := p.games.GetLatestTurn(ctx, g.ID)
	if err != nil {
		p.log.Warn("failed to read latest turn", zap.String("gameId", g.ID), zap.Error(err))
	}
	if err != nil || last == nil || last.CreateTime.IsZero() {
		return p.tokens.Now(), true
	}
	return last.CreateTime, true
}

func (p *Poller) loadGame(ctx context.Context, gameID string) (*model.Game, error) {
	g, err := p.games.GetGame(ctx, gameID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStore, "store failure", err)
	}
	if g == nil {
		return nil, apperr.New(apperr.CodeNotFound, "game not found")
	}
	return g, nil
}

// historyEvicted reports whether an event after cursor has been dropped from
// history, in which case replay cannot be trusted.
func (p *Poller) historyEvicted(ctx context.Context, gameID string, cursor int64, haveMissed bool) (bool, error) {
	mark, err := p.events.TrimmedThrough(ctx, gameID)
	if err != nil {
		return false, err
	}
	if mark > cursor {
		return true, nil
	}
	if haveMissed {
		return false, nil
	}
	// Nothing retained past the cursor although newer events were stamped:
	// the history lapsed and nobody has published since.
	last, err := p.events.LastEventTimestamp(ctx, gameID)
	if err != nil {
		return false, err
	}
	return last > cursor, nil
}

// snapshot describes g as stored, without rotating the token.
func (p *Poller) snapshot(ctx context.Context, g model.Game, role model.Role) *Response {
	res := &Response{
		Success:           true,
		GameStatus:        g.Status,
		FEN:               g.CurrentFEN,
		Winner:            g.Winner,
		OpponentConnected: g.OpponentConnected(role),
	}
	p.describePosition(res, g, role)
	if last, err := p.games.GetLatestTurn(ctx, g.ID); err != nil {
		p.log.Warn("failed to read latest turn", zap.String("gameId", g.ID), zap.Error(err))
	} else if last != nil {
		res.LastMove = &LastMove{From: last.From, To: last.To, Promotion: last.Promotion}
	}
	return res
}

// describePosition fills turn, check, checkmate and draw from res.FEN.
func (p *Poller) describePosition(res *Response, g model.Game, role model.Role) {
	st, err := p.rules.Status(res.FEN)
	if err != nil {
		p.log.Warn("unreadable position", zap.String("fen", res.FEN), zap.Error(err))
		return
	}
	res.PlayerTurn = st.Turn
	res.Check = st.Check
	res.Checkmate = st.Checkmate
	res.Draw = st.Draw
	if color, ok := g.ColorOf(role); ok {
		res.YourTurn = !res.GameStatus.Terminal() && st.Turn == color
	}
}

// fold applies missed events over the stored snapshot.
func (p *Poller) fold(g model.Game, claims *token.Claims, missed []events.Event) *Response {
	res := &Response{
		Success:           true,
		GameStatus:        g.Status,
		FEN:               g.CurrentFEN,
		Winner:            g.Winner,
		OpponentConnected: g.OpponentConnected(claims.PlayerRole),
		Events:            missed,
	}
	for _, ev := range missed {
		res.MissedEvents = append(res.MissedEvents, MissedEvent{Type: ev.Type, Timestamp: ev.Timestamp})
		switch ev.Type {
		case events.TypeMoveMade:
			if mv, ok := ev.MoveMade(); ok {
				res.FEN = mv.FEN
				res.LastMove = &LastMove{From: mv.From, To: mv.To, Promotion: mv.Promotion}
			}
		case events.TypeStatusChanged:
			if st, ok := ev.StatusChanged(); ok {
				res.GameStatus = st.Status
				res.Winner = st.Winner
			}
		case events.TypePlayerJoined:
			pj, ok := ev.PlayerJoined()
			if !ok {
				break
			}
			if pj.PlayerRole != claims.PlayerRole {
				res.OpponentConnected = true
			}
			// The second seat is only ever taken together with activation.
			if pj.PlayerRole == model.RoleSecond && res.GameStatus == model.StatusWaiting {
				res.GameStatus = model.StatusActive
			}
		default:
			p.log.Warn("skipping unknown event type", zap.String("gameId", g.ID), zap.String("type", string(ev.Type)))
		}
	}
	p.describePosition(res, g, claims.PlayerRole)
	return res
}

// deliver shapes the answer to an event that woke a waiting poll.
func (p *Poller) deliver(ctx context.Context, raw string, g model.Game, claims *token.Claims, ev events.Event) (*Response, error) {
	res := p.snapshot(ctx, g, claims.PlayerRole)
	res.EventType = ev.Type
	res.MissedEvents = []MissedEvent{{Type: ev.Type, Timestamp: ev.Timestamp}}

	switch ev.Type {
	case events.TypeMoveMade:
		if mv, ok := ev.MoveMade(); ok {
			res.LastMove = &LastMove{From: mv.From, To: mv.To, Promotion: mv.Promotion}
		}
	case events.TypeStatusChanged, events.TypePlayerJoined:
	default:
		p.log.Warn("woken by unknown event type", zap.String("gameId", g.ID), zap.String("type", string(ev.Type)))
	}

	var (
		started time.Time
		handed  bool
	)
	if color, ok := claims.Color(); ok {
		started, handed = turnStart([]events.Event{ev}, color)
	}
	tok, err := p.rotate(raw, g, claims, res.PlayerTurn, res.GameStatus, started, handed, ev.Timestamp)
	if err != nil {
		return nil, err
	}
	res.NewToken = tok
	return res, nil
}

// rotate advances the cursor to ts. When the delivered events handed the
// holder the turn in an active game, their clock restarts as of started;
// any other event leaves the clock alone.
func (p *Poller) rotate(raw string, g model.Game, claims *token.Claims, turn model.Color, status model.Status, started time.Time, handed bool, ts int64) (string, error) {
	var (
		tok string
		err error
	)
	color, isPlayer := claims.Color()
	if handed && isPlayer && status == model.StatusActive && turn == color {
		tok, err = p.tokens.RefreshClockAndEvent(raw, p.referee.RefreshedClock(g.TimeControl), started, ts)
	} else {
		tok, err = p.tokens.TouchEvent(raw, ts)
	}
	if errors.Is(err, token.ErrInvalidToken) {
		return "", apperr.Wrap(apperr.CodeUnauthorized, "invalid token", err)
	}
	return tok, err
}
