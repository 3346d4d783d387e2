// Package kademlia implements the 160-bit keyspace arithmetic shared by the
// node store, search store, and router: id representation, 32-bit prefix
// ranking distance, and the distance_helped attribution primitive.
package kademlia

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// IDLen is the width of the keyspace in bytes (160 bits).
const IDLen = 20

// ID is a 160-bit node or key identifier. Equality must always be checked
// on the full ID — ranking uses only the 32-bit prefix, and two distinct
// peers may legitimately share one.
type ID [IDLen]byte

// String renders the id as hex, for logging.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IDFromBytes copies a 20-byte slice into an ID, rejecting any other length.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("kademlia: id must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Prefix returns the first 32 bits of the id, read big-endian (network
// order) as a host-order unsigned integer. Ranking decisions use only this
// prefix; it is not a substitute for full-id equality.
func (id ID) Prefix() uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// XorDistance returns the 32-bit-prefix XOR distance between two ids. Lower
// is closer. This is the distance metric used throughout ranking; full
// 160-bit XOR is never computed because the prefix is defined as sufficient
// (spec §3).
func XorDistance(a, b ID) uint32 {
	return a.Prefix() ^ b.Prefix()
}

// Address is the 6-byte compact peer address (4-byte IPv4 + 2-byte port)
// carried opaquely by the core — the wire/transport layers interpret it.
type Address [6]byte

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a[0], a[1], a[2], a[3], binary.BigEndian.Uint16(a[4:6]))
}
