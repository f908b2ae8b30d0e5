package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	gh "github.com/google/go-github/v66/github"
)

// signaturePrefix is the algorithm tag GitHub puts in X-Hub-Signature-256.
const signaturePrefix = "sha256="

// Webhook signature errors.
var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SignPayload returns the X-Hub-Signature-256 value for body.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 header against body.
// An empty secret disables verification.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	if errValidate := gh.ValidateSignature(header, body, []byte(secret)); errValidate != nil {
		return ErrInvalidSignature
	}
	return nil
}
