package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
)

// envelope is one credential's ciphertext at rest. The payload is sealed
// with a fresh XChaCha20-Poly1305 data key; the data key itself travels
// age-wrapped to the vault's master recipient. Rotating the master key
// only requires re-wrapping data keys, never re-encrypting payloads.
type envelope struct {
	WrappedKey string `json:"wrapped_key"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// keyring holds the vault's master identity.
type keyring struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

func newKeyring(masterKey string) (*keyring, error) {
	identity, err := age.ParseX25519Identity(masterKey)
	if err != nil {
		return nil, fmt.Errorf("parsing vault master key: %w", err)
	}
	return &keyring{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateMasterKey mints a fresh age identity for vault initialization.
func GenerateMasterKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating vault master key: %w", err)
	}
	return identity.String(), nil
}

// seal encrypts plaintext under a fresh data key and wraps the data key
// to the master recipient.
func (k *keyring) seal(plaintext []byte) (*envelope, error) {
	dataKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	defer zero(dataKey)

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, fmt.Errorf("creating payload cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	var wrapped bytes.Buffer
	writer, err := age.Encrypt(&wrapped, k.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating key wrapper: %w", err)
	}
	if _, err := writer.Write(dataKey); err != nil {
		return nil, fmt.Errorf("wrapping data key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing key wrap: %w", err)
	}

	return &envelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped.Bytes()),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// open unwraps the data key with the master identity and decrypts the
// payload.
func (k *keyring) open(env *envelope) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(wrapped), k.identity)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	dataKey, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading data key: %w", err)
	}
	defer zero(dataKey)

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, fmt.Errorf("creating payload cipher: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
