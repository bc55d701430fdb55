// Package wechat implements the Official Account callback protocol: the
// SHA-1 signature scheme, the AES-CBC message envelope, the passive-reply
// XML formats, the replay guard over the KV store, and the customer-service
// notification channel.
package wechat

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// signHex sorts the fields lexicographically, concatenates them, and returns
// the lowercase hex SHA-1 digest. This is the platform's canonical signature
// over a small set of string fields.
func signHex(fields ...string) string {
	sort.Strings(fields)
	sum := sha1.Sum([]byte(strings.Join(fields, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks the plain-mode callback signature computed over
// (token, timestamp, nonce). Any missing field fails verification; no error
// is ever returned for malformed input. The comparison is constant-time,
// which costs nothing and avoids the discussion.
func VerifySignature(token, timestamp, nonce, signature string) bool {
	if token == "" || timestamp == "" || nonce == "" || signature == "" {
		return false
	}
	computed := signHex(token, timestamp, nonce)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(signature)) == 1
}

// VerifyMsgSignature checks the encrypted-mode callback signature, which
// additionally covers the base64 ciphertext body.
func VerifyMsgSignature(token, timestamp, nonce, msgSignature, encrypted string) bool {
	if token == "" || timestamp == "" || nonce == "" || msgSignature == "" || encrypted == "" {
		return false
	}
	computed := signHex(token, timestamp, nonce, encrypted)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(msgSignature)) == 1
}

// MsgSignature computes the signature for an outbound encrypted reply.
func MsgSignature(token, timestamp, nonce, encrypted string) string {
	return signHex(token, timestamp, nonce, encrypted)
}
