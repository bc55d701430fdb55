package wechat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope errors. ErrInvalidKey is a configuration failure raised before any
// AES call; the rest are crypto-integrity failures, fatal for the request and
// never retried.
var (
	ErrInvalidKey       = errors.New("wechat: EncodingAESKey must decode to 32 bytes")
	ErrInvalidPadding   = errors.New("wechat: invalid message padding")
	ErrInvalidPlaintext = errors.New("wechat: invalid plaintext framing")
	ErrAppIDMismatch    = errors.New("wechat: appid mismatch")
)

// envelopeBlockSize is the platform's padding block size. It is deliberately
// 32, not the AES block size of 16.
const envelopeBlockSize = 32

// Codec encrypts and decrypts the platform message envelope. The wire format
// is AES-256-CBC over a packed plaintext of
//
//	[16 random bytes][4-byte big-endian msg length][msg][appid]
//
// padded to a multiple of 32 bytes. The IV is fixed as the first 16 bytes of
// the key: that is a property of the platform's protocol kept for wire
// compatibility, not a pattern to copy elsewhere.
type Codec struct {
	key   []byte
	appID string
}

// NewCodec derives the 32-byte AES key from the 43-character, padding-free
// base64 EncodingAESKey. appID, when non-empty, is embedded on encrypt and
// checked on decrypt.
func NewCodec(encodingAESKey, appID string) (*Codec, error) {
	raw, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	return &Codec{key: raw, appID: appID}, nil
}

// Decrypt base64-decodes, CBC-decrypts, unpads, and unpacks a ciphertext,
// returning the embedded message. The appid check applies only when both the
// configured and the embedded identity are non-empty; absence on either side
// is not verifiable and not rejected.
func (c *Codec) Decrypt(cipherB64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return "", fmt.Errorf("wechat: decode ciphertext: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", ErrInvalidPlaintext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, data)

	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}

	// 16 random bytes, 4-byte length, at least 1 byte of message.
	if len(plain) < 16+4+1 {
		return "", ErrInvalidPlaintext
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	msgEnd := 20 + int(msgLen)
	if msgEnd > len(plain) {
		return "", ErrInvalidPlaintext
	}
	msg := plain[20:msgEnd]
	embeddedID := string(plain[msgEnd:])

	if c.appID != "" && embeddedID != "" && embeddedID != c.appID {
		return "", ErrAppIDMismatch
	}
	return string(msg), nil
}

// Encrypt packs, pads, CBC-encrypts, and base64-encodes a plaintext message.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Write(random)
	var lenBE [4]byte
	binary.BigEndian.PutUint32(lenBE[:], uint32(len(plaintext)))
	buf.Write(lenBE[:])
	buf.WriteString(plaintext)
	buf.WriteString(c.appID)

	padded := pad(buf.Bytes())

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// pad appends block-aligned padding with block size 32. The pad length is
// never zero: a payload already on a block boundary gains a full block of
// padding, and every pad byte carries the pad length as its value.
func pad(data []byte) []byte {
	padLen := envelopeBlockSize - len(data)%envelopeBlockSize // 32 when already aligned
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// unpad validates and strips the padding: the last byte declares the pad
// length, which must be in [1,32], and every trailing pad byte must carry
// that value.
func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > envelopeBlockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}
