package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxErrorDelay caps the pause after repeated failures.
const maxErrorDelay = 30 * time.Second

// Polling is a running long-poll loop.
type Polling struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	token string
	err   error
}

// Stop cancels the loop, aborting any in-flight request, and waits for it
// to exit.
func (p *Polling) Stop() {
	p.cancel()
	<-p.done
}

// Done is closed once the loop has exited.
func (p *Polling) Done() <-chan struct{} {
	return p.done
}

// Token is the most recent token the server handed out.
func (p *Polling) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Err is the error that ended the loop, if any.
func (p *Polling) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Polling) setToken(t string) {
	p.mu.Lock()
	p.token = t
	p.mu.Unlock()
}

func (p *Polling) finish(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// StartPolling polls gameID until the game finishes, ctx is canceled or
// Stop is called. Every answer goes to onUpdate; a returned newToken
// replaces the one used for the next request. Failures go to onError
// (which may be nil) and are retried with growing delays, except that an
// unauthorized or unknown-game answer ends the loop. Gateway timeouts are
// retried silently.
func (c *Client) StartPolling(ctx context.Context, gameID, token string, onUpdate func(*PollResponse), onError func(error)) *Polling {
	ctx, cancel := context.WithCancel(ctx)
	p := &Polling{cancel: cancel, done: make(chan struct{}), token: token}

	failures := backoff.NewExponentialBackOff()
	failures.InitialInterval = c.retryDelay
	failures.MaxInterval = maxErrorDelay
	failures.RandomizationFactor = 0
	failures.Reset()

	go func() {
		defer close(p.done)
		defer cancel()

		for {
			delay := c.retryDelay
			res, err := c.Poll(ctx, gameID, p.Token())
			if ctx.Err() != nil {
				return
			}

			switch {
			case err == nil:
				failures.Reset()
				if res.NewToken != "" {
					p.setToken(res.NewToken)
				}
				if onUpdate != nil {
					onUpdate(res)
				}
				if res.Finished() {
					return
				}
			case StatusOf(err) == http.StatusGatewayTimeout:
			case StatusOf(err) == http.StatusUnauthorized, StatusOf(err) == http.StatusNotFound:
				p.finish(err)
				if onError != nil {
					onError(err)
				}
				return
			default:
				if onError != nil && !errors.Is(err, context.Canceled) {
					onError(err)
				}
				delay = failures.NextBackOff()
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return p
}
