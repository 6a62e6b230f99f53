// Package token issues signed one-click assignment tokens embedded in
// pending-document notifications. A token binds a document ID to the day it
// was issued so stale links expire on their own.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Generate returns a URL-safe token for assigning the given document.
func (s *Signer) Generate(documentID string) string {
	sig := s.sign(documentID, s.now())
	payload := fmt.Sprintf("%s:%s", documentID, base64.URLEncoding.EncodeToString(sig))
	return base64.URLEncoding.EncodeToString([]byte(payload))
}

// Verify checks a token and returns the document ID it was issued for.
// Tokens signed today or yesterday are accepted to absorb timezone skew.
func (s *Signer) Verify(token string) (string, error) {
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("malformed token: %w", err)
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed token payload")
	}
	documentID, sigB64 := parts[0], parts[1]

	sig, err := base64.URLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("malformed token signature: %w", err)
	}

	for _, offset := range []int{0, -1} {
		expected := s.sign(documentID, s.now().AddDate(0, 0, offset))
		if hmac.Equal(sig, expected) {
			return documentID, nil
		}
	}

	return "", fmt.Errorf("invalid or expired token")
}

func (s *Signer) sign(documentID string, at time.Time) []byte {
	msg := fmt.Sprintf("assign:%s:%s", documentID, at.Format("2006-01-02"))
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
