package download

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"time"
)

// ArtifactStore produces a time-limited URL for the protected artifact.
// Cloud/object storage backends satisfy this from the outside; URLSigner
// is the shipped default.
type ArtifactStore interface {
	SignedURL(fileName string, expiresAt time.Time) (string, error)
}

// URLSigner issues HMAC-SHA256 pre-signed URLs under a fixed base URL.
// The signature covers the file name and the expiry, so a URL cannot be
// retargeted or extended after issuance.
type URLSigner struct {
	baseURL string
	secret  []byte
}

// NewURLSigner creates a signer for the given artifact base URL.
func NewURLSigner(baseURL, secret string) *URLSigner {
	return &URLSigner{baseURL: baseURL, secret: []byte(secret)}
}

// SignedURL returns the artifact URL with expiry and signature query
// parameters attached.
func (s *URLSigner) SignedURL(fileName string, expiresAt time.Time) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid artifact base URL: %w", err)
	}
	u.Path = path.Join(u.Path, fileName)

	expires := expiresAt.Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.signature(fileName, expires))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Verify checks a previously issued signature. Comparison is constant
// time; an expired URL fails regardless of signature.
func (s *URLSigner) Verify(fileName string, expires int64, signature string, now time.Time) bool {
	if now.Unix() > expires {
		return false
	}
	expected := s.signature(fileName, expires)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *URLSigner) signature(fileName string, expires int64) string {
	h := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(h, "%s:%d", fileName, expires)
	return hex.EncodeToString(h.Sum(nil))
}
