package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerificationHeader carries the signed JWT
const VerificationHeader = "Provider-Verification"

const (
	defaultMaxAge = 5 * time.Minute
	clockSkew     = 5 * time.Second
)

// VerificationClaims binds a JWT to one request body
type VerificationClaims struct {
	jwt.RegisteredClaims
	RequestBodySHA256 string `json:"request_body_sha256"`
}

// Verifier checks webhook signatures. A verifier without a secret accepts
// everything (sandbox).
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier for the shared webhook secret
func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Verifier{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// Enabled reports whether signatures are checked
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks the token against body
func (v *Verifier) Verify(token string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, VerificationHeader)
	}

	claims := &VerificationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid {
		return ErrInvalidSignature
	}

	if claims.IssuedAt == nil {
		return fmt.Errorf("%w: missing iat", ErrInvalidSignature)
	}
	if age := v.now().Sub(claims.IssuedAt.Time); age > v.maxAge {
		return fmt.Errorf("%w: token issued %s ago", ErrInvalidSignature, age.Round(time.Second))
	}

	sum := sha256.Sum256(body)
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(claims.RequestBodySHA256)) != 1 {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}

	return nil
}

func (v *Verifier) key(*jwt.Token) (any, error) {
	return v.secret, nil
}

// Sign produces a header value for body. Used to simulate deliveries.
func Sign(secret string, body []byte, issuedAt time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("webhook secret is empty")
	}

	sum := sha256.Sum256(body)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, VerificationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		RequestBodySHA256: hex.EncodeToString(sum[:]),
	})

	return token.SignedString([]byte(secret))
}
