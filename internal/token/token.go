// Package token produces the signed, time-limited credential a device
// checks before accepting a socket connection. The format matches the
// device-side verifier: a protection tag naming the digest, a base64url
// Erlang-term body carrying {payload, issued_at_ms, ttl_s}, and an HMAC
// over the first two segments, dot-separated.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

type Digest string

const (
	DigestSHA256 Digest = "sha256"
	DigestSHA384 Digest = "sha384"
	DigestSHA512 Digest = "sha512"
)

const (
	DefaultKeyLength  = 32
	DefaultIterations = 1000

	// ttlSeconds is baked into the signed term; the device enforces it.
	ttlSeconds = 86400
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token expired")
)

// Options tune the PBKDF2 key derivation. Zero values take the defaults.
type Options struct {
	KeyLength  int
	Iterations int
}

func (o Options) withDefaults() Options {
	if o.KeyLength <= 0 {
		o.KeyLength = DefaultKeyLength
	}
	if o.Iterations <= 0 {
		o.Iterations = DefaultIterations
	}
	return o
}

func (d Digest) protectionTag() (string, error) {
	switch d {
	case DigestSHA256:
		return "SFMyNTY", nil
	case DigestSHA384:
		return "SFMzODQ", nil
	case DigestSHA512:
		return "SFM1MTI", nil
	default:
		return "", fmt.Errorf("unsupported digest: %q", d)
	}
}

func (d Digest) hashFunc() (func() hash.Hash, error) {
	switch d {
	case DigestSHA256:
		return sha256.New, nil
	case DigestSHA384:
		return sha512.New384, nil
	case DigestSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported digest: %q", d)
	}
}

// Sign derives a key from secret+salt and returns
// "<tag>.<base64url(term)>.<base64url(hmac)>". The only failure modes are
// an unknown digest and the term encoder's 32-bit length overflow.
func Sign(secret, salt, payload string, digest Digest, opts Options) (string, error) {
	return signAt(secret, salt, payload, digest, opts, time.Now())
}

func signAt(secret, salt, payload string, digest Digest, opts Options, now time.Time) (string, error) {
	tag, err := digest.protectionTag()
	if err != nil {
		return "", err
	}
	h, err := digest.hashFunc()
	if err != nil {
		return "", err
	}
	opts = opts.withDefaults()

	body, err := encodeTerm(signedTerm{
		payload:  payload,
		issuedAt: now.UnixMilli(),
		ttl:      ttlSeconds,
	})
	if err != nil {
		return "", fmt.Errorf("encode token term: %w", err)
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), opts.Iterations, opts.KeyLength, h)
	signingInput := tag + "." + base64.RawURLEncoding.EncodeToString(body)

	mac := hmac.New(h, key)
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the HMAC and TTL of a token produced by Sign with the same
// secret, salt, and digest, and returns the embedded payload.
func Verify(secret, salt, tok string, digest Digest, opts Options) (string, error) {
	return VerifyAt(secret, salt, tok, digest, opts, time.Now())
}

// VerifyAt is Verify with an explicit clock for deterministic tests.
func VerifyAt(secret, salt, tok string, digest Digest, opts Options, now time.Time) (string, error) {
	tag, err := digest.protectionTag()
	if err != nil {
		return "", err
	}
	h, err := digest.hashFunc()
	if err != nil {
		return "", err
	}
	opts = opts.withDefaults()

	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] != tag {
		return "", ErrMalformedToken
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), opts.Iterations, opts.KeyLength, h)
	mac := hmac.New(h, key)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", ErrBadSignature
	}

	term, err := decodeTerm(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if now.UnixMilli() > term.issuedAt+term.ttl*1000 {
		return "", ErrTokenExpired
	}
	return term.payload, nil
}
