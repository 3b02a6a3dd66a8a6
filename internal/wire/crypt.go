package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Legacy key-derivation parameters. These are fixed so that two nodes sharing
// only a password derive identical cipher state.
const (
	cryptSalt       = "driftmesh.link.v1"
	cryptIterations = 4096
	cryptKeyLen     = 32
	padSentinel     = 0xFF
)

// Crypter holds independent encrypt/decrypt state for one transport link.
// The scheme is the legacy one: PBKDF2(password) -> AES-256-CBC with a
// derived IV, plaintext padded to the block size with 0xFF bytes and the
// trailing 0xFF run stripped after decryption. Payloads are textual and never
// end in 0xFF, which is what makes the sentinel padding safe.
type Crypter struct {
	block cipher.Block
	iv    []byte
}

// NewCrypter derives cipher state from a shared password.
func NewCrypter(password string) (*Crypter, error) {
	if password == "" {
		return nil, fmt.Errorf("empty password")
	}

	material := pbkdf2.Key([]byte(password), []byte(cryptSalt), cryptIterations, cryptKeyLen+aes.BlockSize, sha256.New)
	block, err := aes.NewCipher(material[:cryptKeyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	return &Crypter{
		block: block,
		iv:    material[cryptKeyLen:],
	}, nil
}

// Encrypt pads the plaintext to the block size and encrypts it. A fresh CBC
// encrypter is created per call so concurrent links never share chain state.
func (c *Crypter) Encrypt(plain []byte) []byte {
	padded := pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out
}

// Decrypt reverses Encrypt, stripping the sentinel padding.
func (c *Crypter) Decrypt(enc []byte) ([]byte, error) {
	if len(enc)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(enc))
	}
	out := make([]byte, len(enc))
	if len(enc) > 0 {
		cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, enc)
	}
	return unpad(out), nil
}

func pad(data []byte, blockSize int) []byte {
	rem := len(data) % blockSize
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data), len(data)+blockSize-rem)
	copy(padded, data)
	for i := 0; i < blockSize-rem; i++ {
		padded = append(padded, padSentinel)
	}
	return padded
}

func unpad(data []byte) []byte {
	end := len(data)
	for end > 0 && data[end-1] == padSentinel {
		end--
	}
	return data[:end]
}
