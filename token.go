package forumnotify

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ReplyToken binds an inbound reply to one post and one recipient.
// Tokens ride in the reply-to address of outbound notifications and are
// decoded by the inbound mail handler.
type ReplyToken struct {
	PostID      int64
	RecipientID int64
}

const (
	tokenNonceSize   = 24
	tokenPayloadSize = 16
)

// ReplyTokenCodec encrypts and authenticates reply tokens with a shared
// secret. Tokens are opaque to recipients; tampering with the post or
// recipient ID fails authentication on decode.
type ReplyTokenCodec struct {
	key [32]byte
}

// NewReplyTokenCodec creates a codec from a 32-byte secret key.
func NewReplyTokenCodec(key [32]byte) *ReplyTokenCodec {
	return &ReplyTokenCodec{key: key}
}

// Encode seals a token into a URL-safe string.
func (c *ReplyTokenCodec) Encode(t ReplyToken) (string, error) {
	var nonce [tokenNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	var payload [tokenPayloadSize]byte
	binary.BigEndian.PutUint64(payload[0:8], uint64(t.PostID))
	binary.BigEndian.PutUint64(payload[8:16], uint64(t.RecipientID))

	sealed := secretbox.Seal(nonce[:], payload[:], &nonce, &c.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a sealed token string. Returns ErrInvalidReplyToken for
// anything that does not decode and authenticate.
func (c *ReplyTokenCodec) Decode(s string) (ReplyToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ReplyToken{}, fmt.Errorf("%w: %v", ErrInvalidReplyToken, err)
	}
	if len(raw) < tokenNonceSize+tokenPayloadSize {
		return ReplyToken{}, ErrInvalidReplyToken
	}

	var nonce [tokenNonceSize]byte
	copy(nonce[:], raw[:tokenNonceSize])

	payload, ok := secretbox.Open(nil, raw[tokenNonceSize:], &nonce, &c.key)
	if !ok || len(payload) != tokenPayloadSize {
		return ReplyToken{}, ErrInvalidReplyToken
	}

	return ReplyToken{
		PostID:      int64(binary.BigEndian.Uint64(payload[0:8])),
		RecipientID: int64(binary.BigEndian.Uint64(payload[8:16])),
	}, nil
}
