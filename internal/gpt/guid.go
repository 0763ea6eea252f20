package gpt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// GUID is a GPT on-disk GUID. The first three fields are stored
// little-endian, unlike the big-endian RFC 4122 text form, so the type keeps
// the mixed-endian layout explicit and converts at the edges.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// FromUUID converts an RFC 4122 UUID to its GPT on-disk representation.
func FromUUID(u uuid.UUID) GUID {
	var g GUID
	g.Data1 = binary.BigEndian.Uint32(u[0:4])
	g.Data2 = binary.BigEndian.Uint16(u[4:6])
	g.Data3 = binary.BigEndian.Uint16(u[6:8])
	copy(g.Data4[:], u[8:16])
	return g
}

// NewGUID returns a random GUID.
func NewGUID() GUID {
	return FromUUID(uuid.New())
}

// UUID converts g back to an RFC 4122 UUID.
func (g GUID) UUID() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], g.Data1)
	binary.BigEndian.PutUint16(u[4:6], g.Data2)
	binary.BigEndian.PutUint16(u[6:8], g.Data3)
	copy(u[8:16], g.Data4[:])
	return u
}

// IsZero reports whether g is the all-zero GUID, which marks an unused
// partition entry.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		g.Data1, g.Data2, g.Data3,
		binary.BigEndian.Uint16(g.Data4[0:2]), g.Data4[2:8])
}
