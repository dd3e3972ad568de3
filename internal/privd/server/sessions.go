package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"privd/internal/privd/metrics"
	perrors "privd/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultSessionTTL  = time.Hour
	DefaultMaxSessions = 4
)

var errTooManyAttempts = errors.New("too many authentication attempts")

// Sessions holds the tokens issued by authenticate. When full, issuing a new
// token evicts the one closest to expiry.
type Sessions struct {
	mu     sync.Mutex
	ttl    time.Duration
	max    int
	tokens map[string]time.Time
	now    func() time.Time
}

func NewSessions(ttl time.Duration, max int) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if max < 1 {
		max = DefaultMaxSessions
	}
	return &Sessions{
		ttl:    ttl,
		max:    max,
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (s *Sessions) Issue() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)
	for len(s.tokens) >= s.max {
		s.evictOldestLocked()
	}

	token := uuid.NewString()
	expires := now.Add(s.ttl)
	s.tokens[token] = expires
	metrics.ActiveSessions.Set(float64(len(s.tokens)))
	return token, expires
}

// Valid reports whether token was issued and has not expired.
func (s *Sessions) Valid(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.tokens[token]
	if !ok {
		return false
	}
	if !s.now().Before(expires) {
		delete(s.tokens, token)
		metrics.ActiveSessions.Set(float64(len(s.tokens)))
		return false
	}
	return true
}

func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	metrics.ActiveSessions.Set(float64(len(s.tokens)))
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.tokens)
}

func (s *Sessions) pruneLocked(now time.Time) {
	for token, expires := range s.tokens {
		if !now.Before(expires) {
			delete(s.tokens, token)
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.tokens)))
}

func (s *Sessions) evictOldestLocked() {
	var oldest string
	var oldestExpiry time.Time
	for token, expires := range s.tokens {
		if oldest == "" || expires.Before(oldestExpiry) {
			oldest, oldestExpiry = token, expires
		}
	}
	delete(s.tokens, oldest)
}

// Authenticator checks the shared secret and hands out session tokens. An
// authenticator without a secret admits every caller.
type Authenticator struct {
	secret   []byte
	sessions *Sessions
	limiter  *rate.Limiter
}

func NewAuthenticator(secret string, sessions *Sessions, attemptsPerMinute int) *Authenticator {
	if attemptsPerMinute < 1 {
		attemptsPerMinute = 10
	}
	return &Authenticator{
		secret:   []byte(secret),
		sessions: sessions,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(attemptsPerMinute)), attemptsPerMinute),
	}
}

func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Authenticate exchanges key for a session token. With authentication
// disabled it succeeds with an empty token.
func (a *Authenticator) Authenticate(key string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, nil
	}
	if !a.limiter.Allow() {
		return "", time.Time{}, errTooManyAttempts
	}
	if subtle.ConstantTimeCompare([]byte(key), a.secret) != 1 {
		return "", time.Time{}, fmt.Errorf("%w: invalid key", perrors.ErrUnauthenticated)
	}
	token, expires := a.sessions.Issue()
	return token, expires, nil
}

// Check validates a token presented on a protected call.
func (a *Authenticator) Check(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing session token", perrors.ErrUnauthenticated)
	}
	if !a.sessions.Valid(token) {
		return fmt.Errorf("%w: invalid or expired session token", perrors.ErrUnauthenticated)
	}
	return nil
}
