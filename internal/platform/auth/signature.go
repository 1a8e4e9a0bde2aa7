package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hanko-field/ordercore/internal/platform/httpx"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultClockSkew       = 5 * time.Minute
	defaultNonceTTL        = 5 * time.Minute
)

// SecretProvider resolves named shared secrets.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves secrets from configuration.
type StaticSecrets map[string]string

func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if secret := strings.TrimSpace(s[name]); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("auth: secret %q not configured", name)
}

// VerificationObserver is notified of every signature or token check.
type VerificationObserver interface {
	AuthVerification(scheme string, ok bool, reason string)
}

// SignatureVerifier authenticates internal callers such as the scheduler that triggers
// reservation sweeps. The signature covers method, path, timestamp, nonce and a body digest.
type SignatureVerifier struct {
	secrets  SecretProvider
	nonces   NonceStore
	observer VerificationObserver
	now      func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// SignatureOption customises the verifier.
type SignatureOption func(*SignatureVerifier)

func WithSignatureHeaders(signature, timestamp, nonce string) SignatureOption {
	return func(v *SignatureVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithClockSkew(d time.Duration) SignatureOption {
	return func(v *SignatureVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithNonceTTL(d time.Duration) SignatureOption {
	return func(v *SignatureVerifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithSignatureObserver(observer VerificationObserver) SignatureOption {
	return func(v *SignatureVerifier) { v.observer = observer }
}

func NewSignatureVerifier(secrets SecretProvider, nonces NonceStore, opts ...SignatureOption) *SignatureVerifier {
	v := &SignatureVerifier{
		secrets:         secrets,
		nonces:          nonces,
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type signatureFailure struct {
	status int
	code   string
	msg    string
}

func (f *signatureFailure) Error() string { return f.msg }

func unauthorized(code, msg string) *signatureFailure {
	return &signatureFailure{status: http.StatusUnauthorized, code: code, msg: msg}
}

// Require rejects requests not signed with the secret named secretName. Accepted requests
// run as the system actor.
func (v *SignatureVerifier) Require(secretName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if err := v.verify(ctx, r, secretName); err != nil {
				var failure *signatureFailure
				if !errors.As(err, &failure) {
					failure = &signatureFailure{status: http.StatusServiceUnavailable, code: "verification_unavailable", msg: "signature verification unavailable"}
					requestctx.Logger(ctx).Warn("auth: signature verification error")
				}
				v.observe(false, failure.code)
				httpx.WriteError(ctx, w, httpx.NewError(failure.code, failure.msg, failure.status))
				return
			}
			v.observe(true, "ok")
			ctx = requestctx.WithActor(ctx, requestctx.Actor{ID: secretName, Kind: requestctx.ActorSystem})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (v *SignatureVerifier) verify(ctx context.Context, r *http.Request, secretName string) error {
	if v.secrets == nil || v.nonces == nil {
		return errors.New("auth: signature verifier not configured")
	}
	secret, err := v.secrets.GetSecret(ctx, secretName)
	if err != nil {
		return err
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	switch {
	case rawSignature == "":
		return unauthorized("signature_missing", "signature header missing")
	case rawTimestamp == "":
		return unauthorized("timestamp_missing", "signature timestamp missing")
	case nonce == "":
		return unauthorized("nonce_missing", "signature nonce missing")
	}

	timestamp, err := parseTimestamp(rawTimestamp)
	if err != nil {
		return unauthorized("timestamp_invalid", "signature timestamp invalid")
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return unauthorized("timestamp_skew", "signature timestamp outside allowed window")
	}

	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return unauthorized("signature_invalid", "signature encoding invalid")
	}
	body, err := restoreBody(r)
	if err != nil {
		return &signatureFailure{status: http.StatusBadRequest, code: "invalid_body", msg: "unable to read request body"}
	}
	if !hmac.Equal(signature, Sign([]byte(secret), r.Method, r.URL.EscapedPath(), rawTimestamp, nonce, body)) {
		return unauthorized("signature_mismatch", "signature verification failed")
	}

	stored, err := v.nonces.UseNonce(ctx, secretName, nonce, now.Add(v.nonceTTL))
	if err != nil {
		return err
	}
	if !stored {
		return unauthorized("nonce_replay", "duplicate signature nonce")
	}
	return nil
}

func (v *SignatureVerifier) observe(ok bool, reason string) {
	if v.observer != nil {
		v.observer.AuthVerification("hmac", ok, reason)
	}
}

// Sign computes the HMAC-SHA256 over the canonical request string.
func Sign(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	canonical := strings.Join([]string{strings.ToUpper(method), path, timestamp, nonce, hex.EncodeToString(digest[:])}, "\n")
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

func restoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}
