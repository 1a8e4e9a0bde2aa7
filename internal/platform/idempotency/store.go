package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of claiming a key.
type Outcome int

const (
	// OutcomeClaimed means the caller owns the key and must Complete or Release it.
	OutcomeClaimed Outcome = iota
	// OutcomeReplay means a completed response is stored for the key.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key.
	OutcomeInFlight
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// Entry is the persisted state of one key.
type Entry struct {
	Fingerprint string              `json:"fp" firestore:"fingerprint"`
	Completed   bool                `json:"done" firestore:"completed"`
	Status      int                 `json:"status,omitempty" firestore:"status"`
	Headers     map[string][]string `json:"headers,omitempty" firestore:"headers,omitempty"`
	Body        []byte              `json:"body,omitempty" firestore:"body,omitempty"`
	ExpiresAt   time.Time           `json:"exp" firestore:"expiresAt"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists claims and completed responses.
type Store interface {
	// Claim atomically takes key for fingerprint unless it is held or completed.
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	// Complete stores the response produced for a claimed key.
	Complete(ctx context.Context, key string, entry Entry) error
	// Release drops a claim so that a retry may run.
	Release(ctx context.Context, key string) error
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// decide applies the shared claim rules to the entry currently stored for a key.
func decide(existing Entry, found bool, fingerprint string, now time.Time) (Outcome, error) {
	if !found || existing.expired(now) {
		return OutcomeClaimed, nil
	}
	if existing.Fingerprint != fingerprint {
		return 0, ErrFingerprintMismatch
	}
	if existing.Completed {
		return OutcomeReplay, nil
	}
	return OutcomeInFlight, nil
}

var hopHeaders = []string{
	"Connection", "Content-Length", "Date", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

func storableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if slices.Contains(hopHeaders, name) {
			continue
		}
		out[name] = slices.Clone(values)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func replayHeaders(stored map[string][]string) http.Header {
	return http.Header(maps.Clone(stored))
}

// Cleaner is implemented by stores that need expired entries purged explicitly. Redis
// expires keys on its own and does not implement it.
type Cleaner interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}
