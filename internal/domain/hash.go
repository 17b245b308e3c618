package domain

import "hash/crc64"

// jonesPoly is the reversed CRC-64/Jones polynomial, the variant used by
// Redis. Resolvers hash query names the same way, so this must not change.
const jonesPoly = 0x95AC9329AC4BC9B5

var jonesTable = crc64.MakeTable(jonesPoly)

// Hash64 returns the CRC-64/Jones checksum of b (zero initial value, no
// final xor). crc64.Update inverts on entry and exit, which is undone here.
func Hash64(b []byte) uint64 {
	return ^crc64.Update(^uint64(0), jonesTable, b)
}

// HashString64 is Hash64 over the bytes of s.
func HashString64(s string) uint64 {
	return Hash64([]byte(s))
}
