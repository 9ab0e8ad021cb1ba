// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package vita

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// GeneratePresharedKey draws a fresh 32-byte route pre-shared key from
// the system CSPRNG.
func GeneratePresharedKey() (PresharedKey, error) {
	var k PresharedKey
	if err := randRead(k[:]); err != nil {
		return PresharedKey{}, err
	}
	return k, nil
}

// GenerateKeyPair draws a fresh X25519 ephemeral key pair.
func GenerateKeyPair() (SecretKey, PublicKey, error) {
	var sk SecretKey
	if err := randRead(sk[:]); err != nil {
		return SecretKey{}, PublicKey{}, err
	}

	// Clamp per RFC 7748 so every drawn scalar is a valid X25519 secret.
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64

	var pk PublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pk), (*[32]byte)(&sk))

	return sk, pk, nil
}

func generateNonce() (Nonce, error) {
	var n Nonce
	if err := randRead(n[:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}

func randRead(buf []byte) error {
	n, err := rand.Read(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("partial read: got %d of %d bytes", n, len(buf))
	}
	return nil
}

// sharedSecret performs the X25519 scalar multiplication between a local
// secret scalar and a peer public key. It returns ErrParameter when the
// result is the all-zero output, which indicates an unsafe peer public
// key (spec §4.1: "derive_ephemeral_keys fails with parameter when
// scalar-mult produces the all-zero output").
func sharedSecret(sk SecretKey, pk PublicKey) ([32]byte, error) {
	var out [32]byte
	curve25519.ScalarMult(&out, (*[32]byte)(&sk), (*[32]byte)(&pk))

	var zero [32]byte
	if subtle.ConstantTimeCompare(out[:], zero[:]) == 1 {
		return out, ErrParameter
	}

	return out, nil
}

// hmacSHA512_256 computes HMAC-SHA-512/256 (HMAC keyed with the
// 256-bit-truncated SHA-512 variant) over the concatenation of data.
func hmacSHA512_256(key []byte, data ...[]byte) HMACTag {
	mac := hmac.New(sha512.New512_256, key)
	for _, d := range data {
		mac.Write(d)
	}
	return HMACTag(mac.Sum(nil))
}

// verifyHMAC compares a received tag against the expected one in
// constant time.
func verifyHMAC(key []byte, got HMACTag, data ...[]byte) bool {
	want := hmacSHA512_256(key, data...)
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// kdf implements vita-ske1's key-derivation function:
// KDF(q, a, b) = BLAKE2b-20(q || a || b), where q is the 32-byte X25519
// shared secret; split into a 16-byte AEAD key and a 4-byte salt.
func kdf(q [32]byte, a, b PublicKey) (AEADKey, AEADSalt, error) {
	h, err := blake2b.New(kdfOutputSize, nil)
	if err != nil {
		return AEADKey{}, AEADSalt{}, fmt.Errorf("failed to initialize BLAKE2b: %w", err)
	}

	h.Write(q[:])
	h.Write(a[:])
	h.Write(b[:])

	sum := h.Sum(nil)

	var key AEADKey
	var salt AEADSalt
	copy(key[:], sum[:aeadKeySize])
	copy(salt[:], sum[aeadKeySize:])

	return key, salt, nil
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func uint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
