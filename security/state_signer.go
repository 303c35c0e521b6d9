package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/podiumlab/tri-integrations/core"
)

const (
	// DefaultStateTTL bounds the OAuth redirect round trip.
	DefaultStateTTL = 10 * time.Minute
	stateMACLength  = 16
)

// StateSigner issues self-contained signed state tokens for OAuth CSRF
// protection, so no server-side session storage is needed. The token packs
// `athleteID:base36(millis):mac` and is base64url-encoded.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type StateSignerOption func(*StateSigner)

func WithStateTTL(ttl time.Duration) StateSignerOption {
	return func(s *StateSigner) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithStateClock(now func() time.Time) StateSignerOption {
	return func(s *StateSigner) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStateSigner(secret string, opts ...StateSignerOption) (*StateSigner, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("security: state signing secret is required")
	}
	signer := &StateSigner{
		secret: []byte(trimmed),
		ttl:    DefaultStateTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(signer)
		}
	}
	return signer, nil
}

func (s *StateSigner) Create(athleteID string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("security: state signer is not configured")
	}
	athleteID = strings.TrimSpace(athleteID)
	if athleteID == "" {
		return "", fmt.Errorf("security: athlete id is required")
	}
	if strings.Contains(athleteID, ":") {
		return "", fmt.Errorf("security: athlete id must not contain a colon")
	}

	payload := athleteID + ":" + strconv.FormatInt(s.now().UnixMilli(), 36)
	mac := s.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + ":" + mac)), nil
}

// Verify reports the athlete id carried by a valid, fresh state token.
// Malformed, expired, or tampered input returns ok=false; hostile input can
// never cause a panic or an error to the caller.
func (s *StateSigner) Verify(state string) (string, bool) {
	if s == nil {
		return "", false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(state))
	if err != nil {
		return "", false
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return "", false
	}
	athleteID, stamp, gotMAC := parts[0], parts[1], parts[2]
	if athleteID == "" {
		return "", false
	}

	issuedMillis, err := strconv.ParseInt(stamp, 36, 64)
	if err != nil {
		return "", false
	}
	age := s.now().Sub(time.UnixMilli(issuedMillis))
	if age < 0 || age > s.ttl {
		return "", false
	}

	expected := s.sign(athleteID + ":" + stamp)
	if subtle.ConstantTimeCompare([]byte(gotMAC), []byte(expected)) != 1 {
		return "", false
	}
	return athleteID, true
}

func (s *StateSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))[:stateMACLength]
}

var _ core.StateSigner = (*StateSigner)(nil)
