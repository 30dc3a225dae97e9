// Package wire provides the little-endian integer codec and IPMB
// checksum arithmetic shared by every wire-format package in ipmisim.
package wire

import "encoding/binary"

// PutU16 writes v into buf[0:2] little-endian.
func PutU16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

// U16 reads a little-endian uint16 from buf[0:2].
func U16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// PutU32 writes v into buf[0:4] little-endian.
func PutU32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// U32 reads a little-endian uint32 from buf[0:4].
func U32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// IPMBChecksum computes the IPMB 2's-complement checksum over data,
// seeded with seed: -(seed + sum(data)) mod 256.
func IPMBChecksum(seed byte, data []byte) byte {
	sum := seed
	for _, b := range data {
		sum += b
	}
	return byte(0) - sum
}

// VerifyIPMBChecksum reports whether sum(data) mod 256 == 0, i.e. data
// (including its trailing checksum byte) is internally consistent.
func VerifyIPMBChecksum(data []byte) bool {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum == 0
}
