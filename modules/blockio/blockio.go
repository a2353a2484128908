// Package blockio is the block request format carried in entry.Packet
// payloads on I/O entries.
package blockio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// I/O operation codes.
const (
	OpRead  uint32 = 1
	OpWrite uint32 = 2
)

// BlockSize is the fixed block size of every simulated device.
const BlockSize = 512

const headerSize = 4 + 8 + 4

var (
	// ErrShortPacket is returned for payloads smaller than a header.
	ErrShortPacket = errors.New("block request too short")

	// ErrOutOfRange is returned for addresses past the end of a device.
	ErrOutOfRange = errors.New("block address out of range")
)

// Request addresses Count blocks at LBA on Target (a drive or LUN index).
// Data carries write payloads.
type Request struct {
	Target uint32
	LBA    uint64
	Count  uint32
	Data   []byte
}

// Encode renders r as a packet payload.
func (r Request) Encode() []byte {
	buf := make([]byte, headerSize+len(r.Data))
	binary.BigEndian.PutUint32(buf[0:4], r.Target)
	binary.BigEndian.PutUint64(buf[4:12], r.LBA)
	binary.BigEndian.PutUint32(buf[12:16], r.Count)
	copy(buf[headerSize:], r.Data)
	return buf
}

// Decode parses a packet payload.
func Decode(payload []byte) (Request, error) {
	if len(payload) < headerSize {
		return Request{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(payload))
	}
	return Request{
		Target: binary.BigEndian.Uint32(payload[0:4]),
		LBA:    binary.BigEndian.Uint64(payload[4:12]),
		Count:  binary.BigEndian.Uint32(payload[12:16]),
		Data:   payload[headerSize:],
	}, nil
}

// Uint32 encodes a control result or argument.
func Uint32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// ParseUint32 decodes a value written by Uint32.
func ParseUint32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
