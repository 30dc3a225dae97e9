// Package auth wraps the MD5/HMAC primitives used for RMCP 1.5 auth
// codes and RMCP+ RAKP key derivation. Cryptographic primitive design
// is explicitly out of scope (spec.md §1); this package only composes
// standard-library building blocks the way spec.md §4.1/§4.4 and the
// teacher's vendored go-sol crypto.go do.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// Algorithm identifies an RMCP+ authentication/integrity algorithm by
// its IPMI 2.0 wire value.
type Algorithm uint8

const (
	AlgRakpNone     Algorithm = 0x00
	AlgRakpHmacSHA1 Algorithm = 0x01
	AlgRakpHmacMD5  Algorithm = 0x02
	AlgRakpHmacSHA256 Algorithm = 0x03
)

func hasher(alg Algorithm) func() hash.Hash {
	switch alg {
	case AlgRakpHmacMD5:
		return md5.New
	case AlgRakpHmacSHA256:
		return sha256.New
	default:
		return sha1.New
	}
}

// HMAC computes the HMAC of data under key using the hash named by alg.
func HMAC(alg Algorithm, key, data []byte) []byte {
	mac := hmac.New(hasher(alg), key)
	mac.Write(data)
	return mac.Sum(nil)
}

// RMCPAuthCode computes the IPMI 1.5 RMCP session auth code:
// MD5(password || sessionID || payload || sequence || password).
func RMCPAuthCode(password string, sessionID, sequence uint32, payload []byte) []byte {
	h := md5.New()
	pw := paddedPassword(password)
	h.Write(pw)
	h.Write(u32le(sessionID))
	h.Write(payload)
	h.Write(u32le(sequence))
	h.Write(pw)
	return h.Sum(nil)
}

func paddedPassword(password string) []byte {
	buf := make([]byte, 16)
	copy(buf, password)
	return buf
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// GenerateSIK derives the RAKP Session Integrity Key:
// SIK = HMAC_Kg(Rm || Rc || RolePriv || ULength || Username).
func GenerateSIK(alg Algorithm, kg, consoleRand, mcRand []byte, rolePriv uint8, username string) []byte {
	data := make([]byte, 0, len(consoleRand)+len(mcRand)+2+len(username))
	data = append(data, consoleRand...)
	data = append(data, mcRand...)
	data = append(data, rolePriv, uint8(len(username)))
	data = append(data, []byte(username)...)
	return HMAC(alg, kg, data)
}

// DeriveK1 derives the RAKP integrity key K1 = HMAC_SIK(0x01 * 20).
func DeriveK1(alg Algorithm, sik []byte) []byte {
	return HMAC(alg, sik, constBlock(0x01))
}

// DeriveK2 derives the RAKP confidentiality key K2 = HMAC_SIK(0x02 * 20).
func DeriveK2(alg Algorithm, sik []byte) []byte {
	return HMAC(alg, sik, constBlock(0x02))
}

func constBlock(b byte) []byte {
	block := make([]byte, 20)
	for i := range block {
		block[i] = b
	}
	return block
}

// KgFromPassword pads/truncates password to 20 bytes, the Kg used when
// no separate BMC key is configured (spec.md §4.4, teacher session.go
// rakpHandshake).
func KgFromPassword(password string) []byte {
	kg := make([]byte, 20)
	copy(kg, []byte(password))
	return kg
}
