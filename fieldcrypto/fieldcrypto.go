// Package fieldcrypto encrypts the secret fields of documents.
//
// The in-memory copy of a collection always holds ciphertext. Plaintext only
// exists in the copies returned to callers.
package fieldcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/entity"
)

// Cipher is a reversible transform applied to secret fields.
//
// Implementations must be safe for concurrent use and their output must be
// valid UTF-8 suitable for a JSON string.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// SaltSize is the length of salts generated by NewSalt.
	SaltSize = 16
	// Iterations is the PBKDF2 iteration count used by
	// NewAESGCMFromPassphrase.
	Iterations = 600_000
	// MinPassphraseLength is the shortest accepted passphrase.
	MinPassphraseLength = 8
)

type aesGCM struct {
	aead cipher.AEAD
}

// NewAESGCM returns a Cipher using AES-GCM with a random nonce per value.
// Ciphertexts are base64(nonce || sealed).
func NewAESGCM(key []byte) (Cipher, error) {
	if len(key) != KeySize {
		return nil, dberr.Crypto(fmt.Sprintf("invalid key length %d, want %d", len(key), KeySize), nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dberr.Crypto("failed to create AES cipher block", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dberr.Crypto("failed to create AES GCM", err)
	}
	return &aesGCM{aead: aead}, nil
}

// NewAESGCMFromPassphrase derives an AES-256 key from passphrase with
// PBKDF2-SHA256.
func NewAESGCMFromPassphrase(passphrase string, salt []byte) (Cipher, error) {
	key, err := DeriveKey(passphrase, salt, Iterations)
	if err != nil {
		return nil, err
	}
	return NewAESGCM(key)
}

// DeriveKey derives a KeySize key from passphrase.
func DeriveKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, dberr.Crypto(fmt.Sprintf("passphrase must be at least %d characters", MinPassphraseLength), nil)
	}
	if len(salt) == 0 {
		return nil, dberr.Crypto("salt is empty", nil)
	}
	if iterations <= 0 {
		return nil, dberr.Crypto(fmt.Sprintf("invalid iteration count %d", iterations), nil)
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New), nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, dberr.Crypto("could not generate salt", err)
	}
	return salt, nil
}

func (a *aesGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", dberr.Crypto("could not generate nonce", err)
	}
	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (a *aesGCM) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", dberr.Crypto("ciphertext is not valid base64", err)
	}
	if len(data) < a.aead.NonceSize()+a.aead.Overhead() {
		return "", dberr.Crypto("ciphertext is too small (likely data corruption)", nil)
	}
	n := a.aead.NonceSize()
	plain, err := a.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", dberr.Crypto("decryption failed", err)
	}
	return string(plain), nil
}

// Plain is the identity Cipher. Secret fields are stored as is.
type Plain struct{}

func (Plain) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

func (Plain) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

// EncryptFields replaces every non-nil secret field of doc with its
// ciphertext, in place.
func EncryptFields(doc any, d *entity.Descriptor, c Cipher) error {
	return transform(doc, d, c.Encrypt, "encrypt")
}

// DecryptFields replaces every non-nil secret field of doc with its
// plaintext, in place.
func DecryptFields(doc any, d *entity.Descriptor, c Cipher) error {
	return transform(doc, d, c.Decrypt, "decrypt")
}

func transform(doc any, d *entity.Descriptor, fn func(string) (string, error), verb string) error {
	acc := d.Accessors()
	for _, field := range d.Secrets() {
		v, err := acc.Get(doc, field)
		if err != nil {
			return dberr.Crypto(fmt.Sprintf("cannot read secret field %q", field), err)
		}
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return dberr.Crypto(fmt.Sprintf("secret field %q holds %T, want a string", field, v), nil)
		}
		out, err := fn(s)
		if err != nil {
			return dberr.Crypto(fmt.Sprintf("failed to %s field %q of collection %q", verb, field, d.Name()), err)
		}
		if err := acc.Set(doc, field, out); err != nil {
			return dberr.Crypto(fmt.Sprintf("cannot write secret field %q", field), err)
		}
	}
	return nil
}
