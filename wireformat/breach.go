package wireformat

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// saltSize matches the shielded token's salt length in bytes.
const saltSize = 16

// emptyMarker is the wire form used for the empty token, so ShieldToken
// remains invertible even when token is "".
const emptyMarker = "-"

// ShieldToken BREACH-shields a CSRF/CORS-read token by XOR-masking it with a
// fresh random salt before it goes on the wire, so an attacker who can
// observe compressed response sizes cannot use the token as a compression
// oracle. Wire form is hex(salt) + hex(xor(salt, token)).
func ShieldToken(token string) (string, error) {
	if token == "" {
		return emptyMarker, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("wireformat: shield token: %w", err)
	}
	masked := xorRepeatingSalt(salt, []byte(token))
	return hex.EncodeToString(salt) + hex.EncodeToString(masked), nil
}

// UnshieldToken reverses ShieldToken.
func UnshieldToken(shielded string) (string, error) {
	if shielded == emptyMarker {
		return "", nil
	}
	if len(shielded) < saltSize*2 {
		return "", fmt.Errorf("wireformat: unshield token: too short")
	}
	saltHex, maskedHex := shielded[:saltSize*2], shielded[saltSize*2:]
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("wireformat: unshield token: decode salt: %w", err)
	}
	masked, err := hex.DecodeString(maskedHex)
	if err != nil {
		return "", fmt.Errorf("wireformat: unshield token: decode payload: %w", err)
	}
	return string(xorRepeatingSalt(salt, masked)), nil
}

func xorRepeatingSalt(salt, data []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ salt[i%len(salt)]
	}
	return out
}

// TokensEqual performs a timing-safe comparison of two unshielded tokens,
// the way the security gate compares a presented CSRF token against the
// session's stored one.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
