// Package events keeps each game's ordered event history in Redis and wakes
// long-poll waiters when new events are published, whichever process they
// were published from.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relaychess/internal/logging"
)

// DefaultHistoryTTL bounds how long events stay replayable.
const DefaultHistoryTTL = time.Hour

const channelPattern = "game:*:events"

// ChannelKey is the pub/sub channel events for gameID are published on.
func ChannelKey(gameID string) string { return "game:" + gameID + ":events" }

// HistoryKey is the sorted set holding gameID's replayable events.
func HistoryKey(gameID string) string { return "game:" + gameID + ":event_history" }

// LastEventKey holds the timestamp of gameID's most recent event.
func LastEventKey(gameID string) string { return "game:" + gameID + ":lastEventTimestamp" }

// TrimmedKey holds the newest timestamp gameID's history has lost.
func TrimmedKey(gameID string) string { return "game:" + gameID + ":trimmedThrough" }

// stampScript hands out strictly increasing millisecond timestamps per game,
// so two events published within the same millisecond still order. A
// history that expired whole has lost everything up to the previous stamp.
var stampScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
if last > 0 and redis.call('EXISTS', KEYS[2]) == 0 then
  local mark = tonumber(redis.call('GET', KEYS[3]) or '0')
  if last > mark then
    redis.call('SET', KEYS[3], last)
  end
end
if tonumber(ARGV[1]) > last then
  redis.call('SET', KEYS[1], ARGV[1])
  return tonumber(ARGV[1])
end
return redis.call('INCR', KEYS[1])
`)

// trimScript drops history entries scored below ARGV[1] and raises the trim
// mark to the newest score it dropped.
var trimScript = redis.NewScript(`
local gone = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'WITHSCORES')
if #gone == 0 then
  return 0
end
local top = gone[#gone]
local mark = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(top) > mark then
  redis.call('SET', KEYS[2], top)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
return #gone / 2
`)

// Log is the event log and notifier. A single pattern subscription per
// process feeds a Hub of local waiters.
type Log struct {
	rdb *redis.Client
	hub *Hub
	ttl time.Duration
	now func() time.Time
	log *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithHistoryTTL overrides DefaultHistoryTTL.
func WithHistoryTTL(ttl time.Duration) Option {
	return func(l *Log) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithNow injects the clock used to stamp events.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Log) { l.log = logging.OrNop(log) }
}

// NewLog creates a Log over rdb. Call Start (or Run) before waiting on events.
func NewLog(rdb *redis.Client, opts ...Option) *Log {
	l := &Log{
		rdb: rdb,
		hub: NewHub(),
		ttl: DefaultHistoryTTL,
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HistoryTTL returns how long events remain replayable.
func (l *Log) HistoryTTL() time.Duration {
	return l.ttl
}

// Hub exposes the local waiter registry.
func (l *Log) Hub() *Hub {
	return l.hub
}

// Publish stamps ev, appends it to the game's history, records its timestamp
// and fans it out. History is written whether or not anyone is listening.
func (l *Log) Publish(ctx context.Context, ev Event) (Event, error) {
	if ev.GameID == "" {
		return Event{}, errors.New("event without game id")
	}
	now := l.now().UnixMilli()
	ts, err := stampScript.Run(ctx, l.rdb, []string{LastEventKey(ev.GameID), HistoryKey(ev.GameID), TrimmedKey(ev.GameID)}, now).Int64()
	if err != nil {
		return Event{}, fmt.Errorf("stamp event: %w", err)
	}
	ev.Timestamp = ts

	raw, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}

	key := HistoryKey(ev.GameID)
	cutoff := now - l.ttl.Milliseconds()
	_, err = l.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: string(raw)})
		trimScript.Eval(ctx, p, []string{key, TrimmedKey(ev.GameID)}, cutoff)
		p.Expire(ctx, key, l.ttl)
		p.Publish(ctx, ChannelKey(ev.GameID), string(raw))
		return nil
	})
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	logging.Debugf("published %s for game %s at %d", ev.Type, ev.GameID, ts)
	return ev, nil
}

// EventsSince returns gameID's retained events with a timestamp strictly
// greater than since, oldest first. Entries that fail to decode are skipped.
func (l *Log) EventsSince(ctx context.Context, gameID string, since int64) ([]Event, error) {
	members, err := l.rdb.ZRangeByScore(ctx, HistoryKey(gameID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read event history: %w", err)
	}

	out := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			l.log.Warn("skipping malformed event", zap.String("gameId", gameID), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// TrimmedThrough returns the newest timestamp dropped from gameID's history,
// or 0 when nothing has been lost. A cursor below it cannot be replayed.
func (l *Log) TrimmedThrough(ctx context.Context, gameID string) (int64, error) {
	mark, err := l.rdb.Get(ctx, TrimmedKey(gameID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read trim mark: %w", err)
	}
	return int64(mark), nil
}

// LastEventTimestamp returns the newest timestamp ever stamped for gameID,
// or 0 when it has no events.
func (l *Log) LastEventTimestamp(ctx context.Context, gameID string) (int64, error) {
	ts, err := l.rdb.Get(ctx, LastEventKey(gameID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last event timestamp: %w", err)
	}
	return ts, nil
}

// Forget drops gameID's history, timestamp and trim mark.
func (l *Log) Forget(ctx context.Context, gameID string) error {
	if err := l.rdb.Del(ctx, HistoryKey(gameID), LastEventKey(gameID), TrimmedKey(gameID)).Err(); err != nil {
		return fmt.Errorf("forget events: %w", err)
	}
	return nil
}

// Start subscribes to every game channel and dispatches messages to local
// waiters until ctx is done. It returns once the subscription is confirmed.
func (l *Log) Start(ctx context.Context) error {
	ps := l.rdb.PSubscribe(ctx, channelPattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to game events: %w", err)
	}

	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					l.log.Warn("dropping malformed event message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				l.hub.Broadcast(ev)
			}
		}
	}()
	l.log.Info("listening for game events", zap.String("pattern", channelPattern))
	return nil
}

// Run is Start followed by blocking until ctx is done.
func (l *Log) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Subscription is a registered waiter for one game. Registering before
// reading history closes the gap between a replay check and the wait.
type Subscription struct {
	hub    *Hub
	gameID string
	ch     chan Event
	once   sync.Once
}

// Subscribe registers a waiter for gameID's next event.
func (l *Log) Subscribe(gameID string) *Subscription {
	return &Subscription{hub: l.hub, gameID: gameID, ch: l.hub.AddWatcher(gameID)}
}

// Wait returns the first event published after Subscribe, or nil when
// timeout elapses first. Cancelling ctx returns ctx.Err().
func (s *Subscription) Wait(ctx context.Context, timeout time.Duration) (*Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.ch:
		return &ev, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the waiter. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.RemoveWatcher(s.gameID, s.ch) })
}

// WaitForEvent blocks until gameID's next event or timeout. It returns nil
// on timeout and always releases its registration.
func (l *Log) WaitForEvent(ctx context.Context, gameID string, timeout time.Duration) (*Event, error) {
	sub := l.Subscribe(gameID)
	defer sub.Close()
	return sub.Wait(ctx, timeout)
}
