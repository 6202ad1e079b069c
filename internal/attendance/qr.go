package attendance

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
)

var ErrInvalidToken = errors.New("invalid attendance token")

// Ticket is what an attendance QR code proves: this user holds this registration.
type Ticket struct {
	RegistrationID int64  `json:"registration_id"`
	UserID         string `json:"user_id"`
	EventID        int64  `json:"event_id"`
}

type QRGenerator struct {
	aead cipher.AEAD
}

func NewQRGenerator(secret string) (*QRGenerator, error) {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	block, err := aes.NewCipher(hashed[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &QRGenerator{aead: aead}, nil
}

// Token seals the ticket into a URL-safe string.
func (q *QRGenerator) Token(t Ticket) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, q.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := q.aead.Seal(nonce, nonce, data, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// PNG renders the sealed ticket as a 256px QR code.
func (q *QRGenerator) PNG(t Ticket) ([]byte, error) {
	token, err := q.Token(t)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, 256)
}

func (q *QRGenerator) Decode(token string) (*Ticket, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(raw) < q.aead.NonceSize() {
		return nil, ErrInvalidToken
	}

	nonce, sealed := raw[:q.aead.NonceSize()], raw[q.aead.NonceSize():]
	data, err := q.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &t, nil
}
