package vm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"sync"

	"github.com/btcsuite/btcd/btcec"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Crypto backs the VM's Crypto/Random opcode group:
// hash, encrypt, decrypt, sign, verify, random, seed, random-bytes. It
// supports two signature algorithms selected by the instruction's
// operand: "ed25519" (golang.org/x/crypto's ed25519, the default) and
// "secp256k1" (btcsuite/btcd's btcec, matching the curve most
// production chains use), and seeds its PRNG deterministically from a
// BIP-39 mnemonic when the `seed` opcode is given one.
type Crypto struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

func NewCrypto() *Crypto {
	return &Crypto{rng: mathrand.New(mathrand.NewSource(1))}
}

// Hash returns the blake2b-256 digest of data, hex-encoded.
func (c *Crypto) Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seed reseeds the Crypto engine's PRNG. If mnemonic is a valid BIP-39
// mnemonic, the seed is derived from it deterministically; otherwise
// the raw bytes of mnemonic are used directly.
func (c *Crypto) Seed(mnemonic string) error {
	var seedBytes []byte
	if bip39.IsMnemonicValid(mnemonic) {
		seedBytes = bip39.NewSeed(mnemonic, "")
	} else {
		seedBytes = []byte(mnemonic)
	}
	var seed int64
	for i, b := range seedBytes {
		seed ^= int64(b) << uint((i%8)*8)
	}
	c.mu.Lock()
	c.rng = mathrand.New(mathrand.NewSource(seed))
	c.mu.Unlock()
	return nil
}

func (c *Crypto) Random() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

func (c *Crypto) RandomBytes(n int) []byte {
	buf := make([]byte, n)
	c.mu.Lock()
	c.rng.Read(buf)
	c.mu.Unlock()
	return buf
}

// Sign produces a signature over msg using algo ("ed25519" default, or
// "secp256k1"). privKey is the raw private key bytes.
func (c *Crypto) Sign(algo string, privKey, msg []byte) ([]byte, error) {
	switch algo {
	case "", "ed25519":
		if len(privKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("crypto: ed25519 private key must be %d bytes", ed25519.PrivateKeySize)
		}
		return ed25519.Sign(ed25519.PrivateKey(privKey), msg), nil
	case "secp256k1":
		priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), privKey)
		digest := hashFor(msg)
		sig, err := priv.Sign(digest)
		if err != nil {
			return nil, err
		}
		return sig.Serialize(), nil
	default:
		return nil, fmt.Errorf("crypto: unknown signature algorithm %q", algo)
	}
}

// Verify checks sig over msg against pubKey using algo.
func (c *Crypto) Verify(algo string, pubKey, msg, sig []byte) (bool, error) {
	switch algo {
	case "", "ed25519":
		if len(pubKey) != ed25519.PublicKeySize {
			return false, fmt.Errorf("crypto: ed25519 public key must be %d bytes", ed25519.PublicKeySize)
		}
		return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig), nil
	case "secp256k1":
		pub, err := btcec.ParsePubKey(pubKey, btcec.S256())
		if err != nil {
			return false, err
		}
		parsed, err := btcec.ParseDERSignature(sig, btcec.S256())
		if err != nil {
			return false, err
		}
		digest := hashFor(msg)
		return parsed.Verify(digest, pub), nil
	default:
		return false, fmt.Errorf("crypto: unknown signature algorithm %q", algo)
	}
}

func hashFor(msg []byte) []byte {
	sum := blake2b.Sum256(msg)
	return sum[:]
}

// Encrypt seals plaintext with a chacha20poly1305 AEAD keyed by key
// (must be 32 bytes); it generates a fresh random nonce and prepends it
// to the ciphertext.
func (c *Crypto) Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *Crypto) Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}
