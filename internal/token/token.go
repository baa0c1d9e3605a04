// Package token issues and verifies the signed session tokens that carry a
// participant's game, role, color and move clock. Tokens are never stored
// server side; the signature is the only proof of role.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relaychess/internal/model"
	"relaychess/pkg/utils"
)

// DefaultTTL is long enough to span a full game.
const DefaultTTL = 12 * time.Hour

// ErrInvalidToken is returned for any token that fails verification:
// malformed, tampered, expired, or carrying incomplete claims.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload. Role and color never change after issuance;
// only Issued, MoveTimeRemaining and LastEventTimestamp are rotated.
type Claims struct {
	GameID      string       `json:"gameId"`
	PlayerID    string       `json:"playerId"`
	PlayerColor *model.Color `json:"playerColor"`
	PlayerRole  model.Role   `json:"playerRole"`
	// Issued is the unix second the move clock started.
	Issued int64 `json:"issuedAt"`
	// MoveTimeRemaining is nil for spectators.
	MoveTimeRemaining  *int  `json:"moveTimeRemaining"`
	LastEventTimestamp int64 `json:"lastEventTimestamp,omitempty"`
	jwt.RegisteredClaims
}

// Color returns the holder's side, and false for spectators.
func (c *Claims) Color() (model.Color, bool) {
	if c.PlayerColor == nil {
		return "", false
	}
	return *c.PlayerColor, true
}

// IsSpectator reports whether the holder may only watch.
func (c *Claims) IsSpectator() bool {
	return c.PlayerRole == model.RoleSpectator
}

// ClockExpired reports whether more than MoveTimeRemaining seconds have
// elapsed since Issued. Holders without a clock never expire.
func (c *Claims) ClockExpired(now time.Time) bool {
	if c.MoveTimeRemaining == nil {
		return false
	}
	return now.Unix()-c.Issued > int64(*c.MoveTimeRemaining)
}

// Patch lists the fields a rotation may overlay. Nil fields are left alone.
type Patch struct {
	MoveTimeRemaining  *int
	Issued             *int64
	LastEventTimestamp *int64
}

// apply returns a copy of c with p overlaid. c is not modified.
func (c Claims) apply(p Patch) Claims {
	if p.MoveTimeRemaining != nil && c.MoveTimeRemaining != nil {
		v := *p.MoveTimeRemaining
		c.MoveTimeRemaining = &v
	}
	if p.Issued != nil {
		c.Issued = *p.Issued
	}
	if p.LastEventTimestamp != nil {
		c.LastEventTimestamp = *p.LastEventTimestamp
	}
	return c
}

// PlayerClaims builds the claims for a seated player with a full clock.
func PlayerClaims(gameID, playerID string, role model.Role, color model.Color, timeControl int, now time.Time) Claims {
	c := color
	clock := timeControl
	return Claims{
		GameID:            gameID,
		PlayerID:          playerID,
		PlayerColor:       &c,
		PlayerRole:        role,
		Issued:            now.Unix(),
		MoveTimeRemaining: &clock,
	}
}

// SpectatorClaims builds claims for a watcher. Spectators have no color and
// no clock.
func SpectatorClaims(gameID, spectatorID string, now time.Time) Claims {
	return Claims{
		GameID:     gameID,
		PlayerID:   spectatorID,
		PlayerRole: model.RoleSpectator,
		Issued:     now.Unix(),
	}
}

// Codec signs and verifies tokens with a shared HMAC secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL overrides DefaultTTL for freshly issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithNow injects the clock used for issuance, expiry and move clocks.
func WithNow(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec returns a Codec signing with secret.
func NewCodec(secret string, opts ...Option) *Codec {
	c := &Codec{secret: []byte(secret), ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the codec's notion of the current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Issue signs claims. An absolute expiry is set only when claims carry none,
// so re-signing a rotated token keeps the original expiry.
func (c *Codec) Issue(claims Claims) (string, error) {
	now := c.now()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ID = utils.RandomHex(8)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm and expiry of raw and returns its
// claims. Every failure is reported as ErrInvalidToken; callers treat it as
// unauthenticated.
func (c *Codec) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, mapJWTError(err))
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.GameID == "" || claims.PlayerID == "" {
		return nil, fmt.Errorf("%w: missing game or player id", ErrInvalidToken)
	}
	switch claims.PlayerRole {
	case model.RoleFirst, model.RoleSecond:
		if claims.PlayerColor == nil || !claims.PlayerColor.Valid() {
			return nil, fmt.Errorf("%w: player without color", ErrInvalidToken)
		}
	case model.RoleSpectator:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.PlayerRole)
	}
	return &claims, nil
}

// Identify checks only the signature and algorithm of raw, ignoring expiry,
// and returns who it was issued to. It lets a player whose token lapsed
// reclaim their seat; it must never be used to authorize an action.
func (c *Codec) Identify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, mapJWTError(err))
	}
	if claims.GameID == "" || claims.PlayerID == "" {
		return nil, fmt.Errorf("%w: missing game or player id", ErrInvalidToken)
	}
	return &claims, nil
}

// Rotate verifies raw, overlays p and re-signs. The original token is left
// untouched; a token that does not verify cannot be rotated.
func (c *Codec) Rotate(raw string, p Patch) (string, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return "", err
	}
	return c.Issue(claims.apply(p))
}

// RefreshClock restarts the holder's move clock with seconds on it.
func (c *Codec) RefreshClock(raw string, seconds int) (string, error) {
	issued := c.now().Unix()
	return c.Rotate(raw, Patch{MoveTimeRemaining: &seconds, Issued: &issued})
}

// TouchEvent advances the holder's event cursor to ts.
func (c *Codec) TouchEvent(raw string, ts int64) (string, error) {
	return c.Rotate(raw, Patch{LastEventTimestamp: &ts})
}

// RefreshClockAndEvent restarts the clock as of started and advances the
// cursor at once. started is when the holder's turn began, which may lie
// before the holder learned of it.
func (c *Codec) RefreshClockAndEvent(raw string, seconds int, started time.Time, ts int64) (string, error) {
	issued := started.Unix()
	return c.Rotate(raw, Patch{MoveTimeRemaining: &seconds, Issued: &issued, LastEventTimestamp: &ts})
}

// HasClockExpired reports whether raw verifies and its holder has run out
// of move time. Invalid tokens and spectators report false.
func (c *Codec) HasClockExpired(raw string) bool {
	claims, err := c.Verify(raw)
	if err != nil {
		return false
	}
	return claims.ClockExpired(c.now())
}

// mapJWTError reduces jwt library errors to a short reason for logs.
func mapJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing required claim"
	default:
		return err.Error()
	}
}
