package webhooks

import (
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/sirupsen/logrus"
)

const (
	SignatureHeader          = "X-Fic-Signature"
	VerificationChallengeKey = "x-fic-verification-challenge"
)

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares header against the expected signature in constant
// time. A "sha256=" prefix on the header is accepted.
func VerifySignature(secret string, body []byte, header string) bool {
	got := strings.TrimSpace(header)
	got = strings.TrimPrefix(got, "sha256=")
	if got == "" || secret == "" {
		return false
	}
	gotRaw, err := hex.DecodeString(strings.ToLower(got))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(gotRaw, mac.Sum(nil))
}

// MatchSignature returns the subscription whose secret authenticates body.
// Several subscriptions may share a route, so any matching secret is enough.
//
// If none of subs carries a secret the result is ErrSubscriptionMisconfigured.
// Otherwise a non-matching or absent header is ErrSignatureMismatch.
func MatchSignature(subs []models.WebhookSubscription, body []byte, header string) (*models.WebhookSubscription, error) {
	withSecret := 0
	for i := range subs {
		if !subs[i].HasSecret() {
			continue
		}
		withSecret++
		if VerifySignature(*subs[i].Secret, body, header) {
			return &subs[i], nil
		}
	}
	if withSecret == 0 {
		return nil, ErrSubscriptionMisconfigured
	}
	return nil, ErrSignatureMismatch
}

// HandshakeVerifier checks the optional bearer JWT the remote attaches to
// verification requests. The outcome is advisory and never blocks the echo.
type HandshakeVerifier struct {
	key    *rsa.PublicKey
	logger *logrus.Logger
}

// NewHandshakeVerifier accepts an empty PEM, in which case checks are skipped.
func NewHandshakeVerifier(publicKeyPEM string, logger *logrus.Logger) (*HandshakeVerifier, error) {
	v := &HandshakeVerifier{logger: logger}
	if strings.TrimSpace(publicKeyPEM) == "" {
		return v, nil
	}
	key, err := utils.ParseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	v.key = key
	return v, nil
}

type HandshakeResult string

const (
	HandshakeUnchecked HandshakeResult = "unchecked"
	HandshakeAbsent    HandshakeResult = "absent"
	HandshakeValid     HandshakeResult = "valid"
	HandshakeInvalid   HandshakeResult = "invalid"
)

func (v *HandshakeVerifier) Check(r *http.Request) HandshakeResult {
	if v == nil || v.key == nil {
		return HandshakeUnchecked
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return HandshakeAbsent
	}
	if _, err := utils.VerifyRS256(v.key, strings.TrimSpace(auth[len("bearer "):])); err != nil {
		if v.logger != nil {
			v.logger.WithError(err).WithField("path", r.URL.Path).Warn("webhook handshake bearer token failed verification")
		}
		return HandshakeInvalid
	}
	return HandshakeValid
}
