package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign canonicalizes the persona tree and returns its HMAC-SHA256 tag under
// the given key as lowercase hex. The tag is always 64 characters.
func Sign(persona map[string]any, key []byte) (string, error) {
	msg, err := Marshal(persona)
	if err != nil {
		return "", err
	}
	return SignBytes(msg, key), nil
}

// SignBytes computes HMAC-SHA256 over an already-canonical message.
func SignBytes(msg, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the tag for the persona under key and compares it to
// expected in constant time. Tags of unequal length fail without comparison.
func Verify(persona map[string]any, key []byte, expected string) (bool, error) {
	actual, err := Sign(persona, key)
	if err != nil {
		return false, err
	}
	return EqualConstantTime(actual, expected), nil
}

// EqualConstantTime compares two hex tags without leaking a timing oracle.
func EqualConstantTime(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
