package wechat

import "crypto/rand"

// RandomNonce returns an 8-digit decimal nonce for outbound encrypted
// replies. Modulo bias over digits is irrelevant here; the nonce only needs
// to be unpredictable enough for signature freshness.
func RandomNonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for this process.
		panic(err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = '0' + b%10
	}
	return string(out)
}
