// Package onion implements the nested sealed-box envelope that carries
// offline secrets from the client through every party down to the backend,
// peeling exactly one layer per hop.
//
// The spec leaves the sealed-box primitive as an external, swappable
// IND-CCA construction (any vetted sealed-box works). This implementation
// builds one on golang.org/x/crypto/nacl/box: an ephemeral X25519 keypair
// per seal, a nonce derived by hashing the ephemeral and recipient public
// keys together (blake2b-192, the same derivation libsodium's
// crypto_box_seal uses internally so the sender never needs to transmit a
// nonce), and the ephemeral public key prepended to the ciphertext.
package onion

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"

	"github.com/auroradata-ai/dppir/internal/types"
)

const (
	// KeySize is the width of an X25519 public or private key.
	KeySize = 32
	// nonceSize is the width of the box nonce derived from the two public
	// keys involved in a single seal.
	nonceSize = 24
	// sealOverhead is the number of extra bytes one sealed-box layer adds
	// to its plaintext: the ephemeral public key plus the box's
	// authentication tag.
	sealOverhead = KeySize + box.Overhead
)

// PublicKey and PrivateKey are raw X25519 keys.
type PublicKey [KeySize]byte
type PrivateKey [KeySize]byte

// GenerateKeyPair creates a fresh onion keypair for one party.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return PublicKey(*pub), PrivateKey(*priv), nil
}

// CipherSize returns the size in bytes of an onion cipher wrapping `layers`
// many OfflineSecret records.
func CipherSize(layers int) int {
	return layers * (types.OfflineSecretSize + sealOverhead)
}

func sealNonce(ephemeral, recipient PublicKey) (*[nonceSize]byte, error) {
	h, err := blake2b.New(nonceSize, nil)
	if err != nil {
		return nil, err
	}
	h.Write(ephemeral[:])
	h.Write(recipient[:])
	sum := h.Sum(nil)
	var nonce [nonceSize]byte
	copy(nonce[:], sum)
	return &nonce, nil
}

// seal wraps plaintext under recipient's public key, returning
// ephemeralPub || box.Seal(plaintext).
func seal(plaintext []byte, recipient PublicKey) ([]byte, error) {
	epub, epriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonce, err := sealNonce(PublicKey(*epub), recipient)
	if err != nil {
		return nil, err
	}
	recipientKey := [KeySize]byte(recipient)
	out := make([]byte, KeySize, KeySize+len(plaintext)+box.Overhead)
	copy(out, epub[:])
	out = box.Seal(out, plaintext, nonce, &recipientKey, epriv)
	return out, nil
}

// open reverses seal: cipher must be ephemeralPub || box.Seal(...).
func open(cipher []byte, pub PublicKey, priv PrivateKey) ([]byte, error) {
	if len(cipher) < KeySize+box.Overhead {
		return nil, fmt.Errorf("onion: cipher too short (%d bytes)", len(cipher))
	}
	var epub PublicKey
	copy(epub[:], cipher[:KeySize])
	nonce, err := sealNonce(epub, pub)
	if err != nil {
		return nil, err
	}
	epubKey := [KeySize]byte(epub)
	privKey := [KeySize]byte(priv)
	plain, ok := box.Open(nil, cipher[KeySize:], nonce, &epubKey, &privKey)
	if !ok {
		return nil, fmt.Errorf("onion: decrypt failed (corrupt cipher or wrong key)")
	}
	return plain, nil
}

// Encrypt onion-encrypts secrets under pkeys[firstParty:], where secrets[0]
// is party firstParty's secret and the last entry is the backend's,
// nesting from the innermost (last) party outward so that each hop peels
// exactly one layer to reveal its own secret plus the still-sealed
// remainder for the next hop.
func Encrypt(secrets []types.OfflineSecret, firstParty int, pkeys []PublicKey) ([]byte, error) {
	partyCount := len(secrets) + firstParty
	var cipher []byte
	for idx := partyCount - 1; idx >= firstParty; idx-- {
		secret := secrets[idx-firstParty]
		plain := make([]byte, types.OfflineSecretSize+len(cipher))
		types.PutOfflineSecret(plain, secret)
		copy(plain[types.OfflineSecretSize:], cipher)

		sealed, err := seal(plain, pkeys[idx])
		if err != nil {
			return nil, fmt.Errorf("onion: seal layer for party %d: %w", idx, err)
		}
		cipher = sealed
	}
	return cipher, nil
}

// Layer is the result of peeling one onion layer: the revealed secret, and
// a view into the still-sealed remainder (a re-slice of the same decrypted
// buffer, not a fresh copy) to forward to the next party.
type Layer struct {
	Secret types.OfflineSecret
	Inner  []byte
}

// Decrypt peels exactly one onion layer off cipher with this party's
// keypair; Inner holds whatever layers remain after this one.
func Decrypt(cipher []byte, pub PublicKey, priv PrivateKey) (Layer, error) {
	plain, err := open(cipher, pub, priv)
	if err != nil {
		return Layer{}, err
	}
	if len(plain) < types.OfflineSecretSize {
		return Layer{}, fmt.Errorf("onion: decrypted layer too short (%d bytes)", len(plain))
	}
	secret := types.OfflineSecretFrom(plain)
	return Layer{Secret: secret, Inner: plain[types.OfflineSecretSize:]}, nil
}
