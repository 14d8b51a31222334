package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 10 * time.Minute
)

// NonceStore records signature nonces to reject replays.
type NonceStore interface {
	// UseNonce stores the nonce until expiry and reports false when it was already present.
	UseNonce(ctx context.Context, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewMemoryNonceStore constructs an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

// UseNonce implements NonceStore.
func (s *MemoryNonceStore) UseNonce(_ context.Context, nonce string, expiry time.Time) (bool, error) {
	if nonce == "" {
		return false, errors.New("auth: nonce is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, key)
		}
	}
	if _, seen := s.nonces[nonce]; seen {
		return false, nil
	}
	s.nonces[nonce] = expiry
	return true, nil
}

// HMACValidator authenticates server-to-server calls signed with a shared secret, such as
// the checkout service pushing newly placed orders.
type HMACValidator struct {
	secret []byte
	nonces NonceStore
	logger *zap.Logger
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger sets the logger used for rejected requests.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a time source.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACClockSkew overrides the tolerated distance between the signature timestamp and now.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// NewHMACValidator builds a validator for secret. A nil nonce store selects the in-memory store.
func NewHMACValidator(secret string, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	if nonces == nil {
		nonces = NewMemoryNonceStore()
	}
	v := &HMACValidator{
		secret:          []byte(strings.TrimSpace(secret)),
		nonces:          nonces,
		logger:          zap.NewNop(),
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

// RequireHMAC rejects requests whose signature, timestamp or nonce do not verify.
func (v *HMACValidator) RequireHMAC() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil || len(v.secret) == 0 {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "signing secret not configured")
				return
			}
			signature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			timestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if signature == "" || timestamp == "" || nonce == "" {
				v.reject(w, http.StatusUnauthorized, "signature_missing", "signature headers missing")
				return
			}

			seconds, err := strconv.ParseInt(timestamp, 10, 64)
			if err != nil {
				v.reject(w, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
				return
			}
			signedAt := time.Unix(seconds, 0)
			if skew := v.now().Sub(signedAt); skew > v.clockSkew || skew < -v.clockSkew {
				v.reject(w, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				v.reject(w, http.StatusBadRequest, "invalid_body", "unable to read body")
				return
			}
			given, err := hex.DecodeString(signature)
			if err != nil {
				v.reject(w, http.StatusUnauthorized, "signature_invalid", "signature must be hex encoded")
				return
			}
			expected := computeSignature(v.secret, r.Method, r.URL.EscapedPath(), timestamp, nonce, body)
			if !hmac.Equal(given, expected) {
				v.reject(w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			fresh, err := v.nonces.UseNonce(r.Context(), nonce, v.now().Add(v.nonceTTL))
			if err != nil {
				v.logger.Error("nonce store failure", zap.Error(err))
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
				return
			}
			if !fresh {
				v.reject(w, http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) reject(w http.ResponseWriter, status int, code, message string) {
	v.logger.Info("signed request rejected", zap.String("reason", code))
	respondAuthError(w, status, code, message)
}

// SignRequest returns the hex signature a caller sends for the given request parts.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	return hex.EncodeToString(computeSignature([]byte(secret), method, path, timestamp, nonce, body))
}

func computeSignature(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	bodyHash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(bodyHash[:]),
	}, "\n")
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
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
