package hub

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/Gthulhu/fleet/domain"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// envelope is the wire form of a hub message, CBOR-encoded and then sealed
// with an AEAD before leaving the coordinator.
type envelope struct {
	ID        string `cbor:"id"`
	Sender    string `cbor:"sender"`
	Recipient string `cbor:"recipient"`
	Payload   []byte `cbor:"payload"`
	CreatedAt int64  `cbor:"created_at"`
}

// codec seals and opens hub envelopes with XChaCha20-Poly1305 under the
// fleet's derived messaging key.
type codec struct {
	aead cipher.AEAD
}

func newCodec(key []byte) (*codec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init messaging cipher: %w", err)
	}
	return &codec{aead: aead}, nil
}

// seal encodes and encrypts msg. The random nonce is prepended to the
// ciphertext.
func (c *codec) seal(msg *domain.Message) ([]byte, error) {
	env := envelope{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	}
	plain, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// open decrypts and decodes a sealed envelope. Containers run the same
// routine on receipt; the coordinator uses it in tests and for loopback
// verification.
func (c *codec) open(sealed []byte) (*domain.Message, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed envelope too short")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}

	var env envelope
	if err := cbor.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &domain.Message{
		ID:        env.ID,
		Sender:    env.Sender,
		Recipient: env.Recipient,
		Payload:   env.Payload,
		CreatedAt: time.UnixMilli(env.CreatedAt),
	}, nil
}
