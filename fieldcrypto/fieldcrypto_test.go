package fieldcrypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/maruel/jsondoc/dberr"
	"github.com/maruel/jsondoc/entity"
)

type instance struct {
	ID         string  `json:"id"`
	PublicKey  string  `json:"publicKey"`
	PrivateKey string  `json:"privateKey" jsondoc:"secret"`
	Token      *string `json:"token,omitempty" jsondoc:"secret"`
}

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func mustCipher(t *testing.T, key []byte) Cipher {
	t.Helper()
	c, err := NewAESGCM(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAESGCM(t *testing.T) {
	c := mustCipher(t, testKey(1))

	t.Run("round trip", func(t *testing.T) {
		for _, plain := range []string{"", "v", "héllo wörld", strings.Repeat("x", 4096)} {
			ct, err := c.Encrypt(plain)
			if err != nil {
				t.Fatal(err)
			}
			if len(plain) >= 8 && strings.Contains(ct, plain) {
				t.Errorf("ciphertext %q leaks plaintext", ct)
			}
			got, err := c.Decrypt(ct)
			if err != nil {
				t.Fatal(err)
			}
			if got != plain {
				t.Errorf("Decrypt() = %q, want %q", got, plain)
			}
		}
	})

	t.Run("random nonce", func(t *testing.T) {
		a, _ := c.Encrypt("v")
		b, _ := c.Encrypt("v")
		if a == b {
			t.Error("two encryptions of the same value are identical")
		}
	})

	t.Run("errors", func(t *testing.T) {
		ct, _ := c.Encrypt("v")
		other := mustCipher(t, testKey(2))
		tests := []struct {
			name string
			in   string
			c    Cipher
		}{
			{"wrong key", ct, other},
			{"not base64", "%%%", c},
			{"too short", "AAAA", c},
			{"tampered", ct[:len(ct)-4] + "AAAA", c},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := tt.c.Decrypt(tt.in); !dberr.Is(err, dberr.CodeCrypto) {
					t.Errorf("Decrypt() = %v, want a crypto error", err)
				}
			})
		}
		if _, err := NewAESGCM([]byte("short")); !dberr.Is(err, dberr.CodeCrypto) {
			t.Errorf("NewAESGCM() = %v", err)
		}
	})
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a, err := DeriveKey("correct horse", salt, 1000)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := DeriveKey("correct horse", salt, 1000)
	c, _ := DeriveKey("correct horse", []byte("fedcba9876543210"), 1000)
	if len(a) != KeySize || !bytes.Equal(a, b) || bytes.Equal(a, c) {
		t.Errorf("DeriveKey() is not deterministic per salt")
	}
	for _, tt := range []struct {
		pass string
		salt []byte
		iter int
	}{
		{"short", salt, 1000},
		{"correct horse", nil, 1000},
		{"correct horse", salt, 0},
	} {
		if _, err := DeriveKey(tt.pass, tt.salt, tt.iter); !dberr.Is(err, dberr.CodeCrypto) {
			t.Errorf("DeriveKey(%q, %q, %d) = %v", tt.pass, tt.salt, tt.iter, err)
		}
	}
	s1, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := NewSalt()
	if len(s1) != SaltSize || bytes.Equal(s1, s2) {
		t.Errorf("NewSalt() = %x, %x", s1, s2)
	}
	p, err := NewAESGCMFromPassphrase("correct horse", salt)
	if err != nil {
		t.Fatal(err)
	}
	ct, _ := p.Encrypt("v")
	if got, err := p.Decrypt(ct); err != nil || got != "v" {
		t.Errorf("Decrypt() = %q, %v", got, err)
	}
}

func TestFields(t *testing.T) {
	r := entity.NewRegistry()
	d := entity.MustRegister[*instance](r, "instances", "1.0")
	c := mustCipher(t, testKey(3))

	t.Run("struct", func(t *testing.T) {
		tok := "tok"
		doc := &instance{ID: "01", PublicKey: "pub", PrivateKey: "priv", Token: &tok}
		if err := EncryptFields(doc, d, c); err != nil {
			t.Fatal(err)
		}
		if doc.PrivateKey == "priv" || *doc.Token == "tok" || doc.PublicKey != "pub" {
			t.Errorf("EncryptFields() = %+v", doc)
		}
		if err := DecryptFields(doc, d, c); err != nil {
			t.Fatal(err)
		}
		want := &instance{ID: "01", PublicKey: "pub", PrivateKey: "priv", Token: &tok}
		if diff := cmp.Diff(want, doc); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nil untouched", func(t *testing.T) {
		doc := &instance{ID: "01", PrivateKey: "p"}
		if err := EncryptFields(doc, d, c); err != nil {
			t.Fatal(err)
		}
		if doc.Token != nil {
			t.Errorf("Token = %q, want nil", *doc.Token)
		}
	})

	t.Run("record", func(t *testing.T) {
		rd, err := r.RegisterRecord("records", "1", "id", nil, []string{"k"})
		if err != nil {
			t.Fatal(err)
		}
		doc := entity.Record{"id": "01", "k": "v"}
		if err := EncryptFields(doc, rd, c); err != nil {
			t.Fatal(err)
		}
		if doc["k"] == "v" {
			t.Error("secret field was not encrypted")
		}
		if err := DecryptFields(doc, rd, c); err != nil {
			t.Fatal(err)
		}
		if doc["k"] != "v" {
			t.Errorf("k = %v, want v", doc["k"])
		}
		if err := EncryptFields(entity.Record{"id": "02", "k": 1.0}, rd, c); !dberr.Is(err, dberr.CodeCrypto) {
			t.Errorf("EncryptFields() of a number = %v", err)
		}
	})

	t.Run("plain", func(t *testing.T) {
		doc := &instance{ID: "01", PrivateKey: "priv"}
		if err := EncryptFields(doc, d, Plain{}); err != nil || doc.PrivateKey != "priv" {
			t.Errorf("Plain changed the document: %+v, %v", doc, err)
		}
	})

	t.Run("decrypt failure", func(t *testing.T) {
		doc := &instance{ID: "01", PrivateKey: "not encrypted"}
		if err := DecryptFields(doc, d, c); !dberr.Is(err, dberr.CodeCrypto) {
			t.Errorf("DecryptFields() = %v", err)
		}
	})
}
