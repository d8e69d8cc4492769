package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	SuiteChaCha20Poly1305 = "x25519-hkdf-sha256-chacha20poly1305"
	SuiteAES256GCM        = "x25519-hkdf-sha256-aes256gcm"

	keySize   = 32
	nonceSize = 12
)

// Suite describes one negotiable cipher suite. Key agreement is always
// X25519; the AEAD, KDF and the short-code formatter vary.
type Suite struct {
	Name    string
	Version uint32
	NewAEAD func(key []byte) (cipher.AEAD, error)
	KDF     func(secret, salt, info []byte, n int) ([]byte, error)
	Code    func(auth []byte) string
}

func ChaCha20Poly1305() Suite {
	return Suite{
		Name:    SuiteChaCha20Poly1305,
		Version: 1,
		NewAEAD: chacha20poly1305.New,
		KDF:     hkdfSHA256,
		Code:    FourDigitCode,
	}
}

func AES256GCM() Suite {
	return Suite{
		Name:    SuiteAES256GCM,
		Version: 1,
		NewAEAD: newAESGCM,
		KDF:     hkdfSHA256,
		Code:    HexCode,
	}
}

// DefaultSuites lists the built-in suites in preference order.
func DefaultSuites() []Suite {
	return []Suite{ChaCha20Poly1305(), AES256GCM()}
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func hkdfSHA256(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

func suiteNames(suites []Suite) []string {
	names := make([]string, 0, len(suites))
	for _, s := range suites {
		names = append(names, s.Name)
	}
	return names
}

func findSuite(suites []Suite, name string) (Suite, bool) {
	for _, s := range suites {
		if s.Name == name {
			return s, true
		}
	}
	return Suite{}, false
}

// FourDigitCode renders the auth value the way Quick Share devices show it.
func FourDigitCode(auth []byte) string {
	const mod = 9973
	hash, mult := 0, 1
	for _, b := range auth {
		hash = (hash + int(int8(b))*mult) % mod
		mult = (mult * 31) % mod
	}
	if hash < 0 {
		hash = -hash
	}
	return fmt.Sprintf("%04d", hash)
}

// HexCode renders the first six bytes of auth as three hex groups.
func HexCode(auth []byte) string {
	n := 6
	if len(auth) < n {
		n = len(auth)
	}
	s := hex.EncodeToString(auth[:n])
	groups := make([]string, 0, 3)
	for i := 0; i < len(s); i += 4 {
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		groups = append(groups, s[i:end])
	}
	return strings.Join(groups, "-")
}
