// Package recordlayer derives TLS per-direction cipher state from an
// externally supplied master secret and decrypts application data records
// with it (spec §4.3's "cipher init" and "decrypt"). It implements no
// handshake or negotiation of its own — by design, the one place in this
// module that still reaches for crypto/* directly, since no library in the
// dependency pack plays tlslite's negotiation-free "decrypt given a secret"
// role and crypto/tls cannot be driven by an out-of-band master secret.
package recordlayer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
)

// CipherKind is the record-protection construction a suite uses.
type CipherKind int

const (
	CipherCBC CipherKind = iota
	CipherGCM
	CipherStream
)

// Suite describes the key material shape and record-protection construction
// for one cipher suite. Only the static-key/DHE, non-AEAD-and-AEAD suites a
// decrypt-only collaborator can realistically support are registered; spec
// §4.3 doesn't require full negotiation, only decryption given the suite
// the server already picked.
type Suite struct {
	ID      uint16
	KeyLen  int
	MacLen  int // 0 for AEAD suites
	FixedIV int // implicit IV bytes taken from the key block (the GCM salt); CBC suites take a block-size IV instead
	Cipher  CipherKind
	Hash    func() hash.Hash
}

var suites = map[uint16]Suite{
	0x0005: {0x0005, 16, 20, 0, CipherStream, sha256.New}, // TLS_RSA_WITH_RC4_128_SHA (PRF uses SHA-256 per TLS1.2 default)
	0x002f: {0x002f, 16, 20, 0, CipherCBC, sha256.New},    // TLS_RSA_WITH_AES_128_CBC_SHA
	0x0035: {0x0035, 32, 20, 0, CipherCBC, sha256.New},    // TLS_RSA_WITH_AES_256_CBC_SHA
	0x0033: {0x0033, 16, 20, 0, CipherCBC, sha256.New},    // TLS_DHE_RSA_WITH_AES_128_CBC_SHA
	0x0039: {0x0039, 32, 20, 0, CipherCBC, sha256.New},    // TLS_DHE_RSA_WITH_AES_256_CBC_SHA
	0x009c: {0x009c, 16, 0, 4, CipherGCM, sha256.New},     // TLS_RSA_WITH_AES_128_GCM_SHA256
	0x009d: {0x009d, 32, 0, 4, CipherGCM, sha512.New384},  // TLS_RSA_WITH_AES_256_GCM_SHA384
}

// Lookup returns the registered Suite for id.
func Lookup(id uint16) (Suite, bool) {
	s, ok := suites[id]
	return s, ok
}

// CipherState holds one direction's derived key material and the running
// sequence number it hasn't needed yet (no MAC/AEAD-tag verification is
// performed — see Decrypt).
type CipherState struct {
	suite  Suite
	macKey []byte
	key    []byte
	iv     []byte
	rc4    *rc4.Cipher
	seq    uint64
}

// prf is the TLS 1.2 PRF: P_hash(secret, label + seed) with HMAC driven by
// the suite's designated hash. Earlier TLS versions' MD5^SHA1 PRF is out of
// scope; spec's decrypt-only collaborator targets the TLS 1.2 suites above.
func prf(hashFn func() hash.Hash, secret, label, seed []byte, length int) []byte {
	labelSeed := append(append([]byte(nil), label...), seed...)
	a := hmacSum(hashFn, secret, labelSeed)
	out := make([]byte, 0, length)
	for len(out) < length {
		out = append(out, hmacSum(hashFn, secret, append(append([]byte(nil), a...), labelSeed...))...)
		a = hmacSum(hashFn, secret, a)
	}
	return out[:length]
}

func hmacSum(hashFn func() hash.Hash, key, data []byte) []byte {
	m := hmac.New(hashFn, key)
	m.Write(data)
	return m.Sum(nil)
}

// DeriveStates expands masterSecret into the client-write and server-write
// CipherStates for suiteID, using "key expansion" keyed on server_random ||
// client_random (spec §4.3).
func DeriveStates(suiteID uint16, masterSecret []byte, clientRandom, serverRandom [32]byte) (client, server *CipherState, err error) {
	suite, ok := Lookup(suiteID)
	if !ok {
		return nil, nil, fmt.Errorf("recordlayer: unsupported cipher suite 0x%04x", suiteID)
	}

	ivLen := suite.FixedIV
	if suite.Cipher == CipherCBC {
		ivLen = aes.BlockSize
	}
	needed := 2*suite.MacLen + 2*suite.KeyLen + 2*ivLen

	seed := append(append([]byte(nil), serverRandom[:]...), clientRandom[:]...)
	block := prf(suite.Hash, masterSecret, []byte("key expansion"), seed, needed)

	pos := 0
	take := func(n int) []byte {
		b := block[pos : pos+n]
		pos += n
		return b
	}

	clientMAC := take(suite.MacLen)
	serverMAC := take(suite.MacLen)
	clientKey := take(suite.KeyLen)
	serverKey := take(suite.KeyLen)
	clientIV := take(ivLen)
	serverIV := take(ivLen)

	client = &CipherState{suite: suite, macKey: clientMAC, key: clientKey, iv: clientIV}
	server = &CipherState{suite: suite, macKey: serverMAC, key: serverKey, iv: serverIV}
	return client, server, nil
}

// Key exposes the derived bulk-cipher key, mostly so tests elsewhere in the
// module can build a record the way a real peer would without duplicating
// key expansion.
func (c *CipherState) Key() []byte { return c.key }

// Decrypt recovers the plaintext of one record's Data for this direction.
// It does not verify the record's MAC or AEAD tag: the collaborator's job
// is plaintext recovery given a secret handed to it out of band, not
// authentication of a live connection it never negotiated.
func (c *CipherState) Decrypt(recordType uint8, ciphertext []byte) ([]byte, error) {
	switch c.suite.Cipher {
	case CipherGCM:
		return c.decryptGCM(ciphertext)
	case CipherCBC:
		return c.decryptCBC(ciphertext)
	case CipherStream:
		return c.decryptStream(ciphertext)
	default:
		return nil, errors.New("recordlayer: unsupported cipher kind")
	}
}

func (c *CipherState) decryptGCM(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 8+16 {
		return nil, errors.New("recordlayer: GCM record shorter than its explicit nonce and tag")
	}
	// The tag is not checked: the body is decrypted with the CTR keystream
	// GCM uses for a 12-byte nonce, whose first data block is counter 2.
	counter := make([]byte, aes.BlockSize)
	copy(counter, c.iv)
	copy(counter[4:], ciphertext[:8])
	counter[15] = 2
	body := ciphertext[8 : len(ciphertext)-16]
	plain := make([]byte, len(body))
	cipher.NewCTR(block, counter).XORKeyStream(plain, body)
	c.seq++
	return plain, nil
}

func (c *CipherState) decryptCBC(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(ciphertext) < 2*bs {
		return nil, errors.New("recordlayer: CBC record too short")
	}
	iv := ciphertext[:bs]
	ct := ciphertext[bs:]
	if len(ct)%bs != 0 {
		return nil, errors.New("recordlayer: CBC record not block-aligned")
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	c.seq++

	if len(plain) == 0 {
		return nil, errors.New("recordlayer: empty CBC plaintext")
	}
	padLen := int(plain[len(plain)-1])
	if padLen+1 > len(plain) {
		return nil, errors.New("recordlayer: invalid CBC padding")
	}
	plain = plain[:len(plain)-padLen-1]
	if len(plain) < c.suite.MacLen {
		return nil, errors.New("recordlayer: CBC record shorter than its MAC")
	}
	return plain[:len(plain)-c.suite.MacLen], nil
}

func (c *CipherState) decryptStream(ciphertext []byte) ([]byte, error) {
	if c.rc4 == nil {
		ciph, err := rc4.NewCipher(c.key)
		if err != nil {
			return nil, err
		}
		c.rc4 = ciph
	}
	out := make([]byte, len(ciphertext))
	c.rc4.XORKeyStream(out, ciphertext)
	c.seq++
	if len(out) < c.suite.MacLen {
		return nil, errors.New("recordlayer: stream record shorter than its MAC")
	}
	return out[:len(out)-c.suite.MacLen], nil
}
