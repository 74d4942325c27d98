// Package hses implements the Yaskawa High-Speed Ethernet Server (HSES)
// protocol spoken by Motoman robot controllers over UDP. It provides the
// packet framing, the request/answer transmission discipline, typed
// variable access, chunked file transfer and a background motion
// sequencer.
package hses

import (
	"encoding/binary"
	"fmt"
)

// Wire framing constants. Every HSES packet is a 24-byte common header,
// an 8-byte sub-header (request or answer form) and a payload. The
// declared header size 0x20 covers common header plus sub-header, so the
// payload always begins at offset 32 and the data-size field counts only
// the payload.
const (
	headerIdentifier = "YERC"
	headerSize       = 0x20
	headerReserved1  = 3
	headerReserved2  = "99999999"
)

// Division selects the protocol sub-channel carried in the header.
type Division byte

const (
	DivisionRobotControl Division = 1
	DivisionFileControl  Division = 2
)

// Ack flag values. A normal request carries AckRequest; the chunk
// acknowledgments of a multi-block file exchange carry AckNotRequest.
const (
	AckRequest    byte = 0
	AckNotRequest byte = 1
)

// BlockFinal marks the last chunk of a multi-block exchange. The top bit
// of the block number is reserved for this flag and is never part of the
// sequence count itself.
const BlockFinal uint32 = 0x80000000

// Service codes used by the robot-control command family.
const (
	SvcGetAttributeAll    byte = 0x01
	SvcSetAttributeAll    byte = 0x02
	SvcGetAttributeSingle byte = 0x0e
	SvcSetAttributeSingle byte = 0x10
	SvcReadPlural         byte = 0x33
)

// Service codes used by the file-control division.
const (
	SvcFileDelete byte = 0x09
	SvcFileSend   byte = 0x15
	SvcFileRecv   byte = 0x16
	SvcFileList   byte = 0x32
)

// Request is a single HSES request packet. Command selects the operation;
// Instance, Attribute and Service select the sub-operation and access
// mode. Ack and BlockNo are rewritten when a request is reused as a pure
// acknowledgment frame in a multi-block exchange.
type Request struct {
	Division  Division
	Ack       byte
	RequestID byte
	BlockNo   uint32
	Command   uint16
	Instance  uint16
	Attribute byte
	Service   byte
	Data      []byte
}

// Marshal encodes the request into its wire form. All multi-byte integers
// are little-endian.
func (r *Request) Marshal() []byte {
	out := make([]byte, 0, headerSize+len(r.Data))

	// 24-byte common header
	out = append(out, headerIdentifier...)
	out = binary.LittleEndian.AppendUint16(out, headerSize)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(r.Data)))
	out = append(out, headerReserved1)
	out = append(out, byte(r.Division))
	out = append(out, r.Ack)
	out = append(out, r.RequestID)
	out = binary.LittleEndian.AppendUint32(out, r.BlockNo)
	out = append(out, headerReserved2...)

	// 8-byte request sub-header
	out = binary.LittleEndian.AppendUint16(out, r.Command)
	out = binary.LittleEndian.AppendUint16(out, r.Instance)
	out = append(out, r.Attribute)
	out = append(out, r.Service)
	out = binary.LittleEndian.AppendUint16(out, 0) // padding

	out = append(out, r.Data...)
	return out
}

// Answer is a parsed HSES answer packet. Status 0 means success;
// AddedStatus carries the vendor-specific error detail on failure.
type Answer struct {
	DataSize        uint16
	Division        Division
	Ack             byte
	RequestID       byte
	BlockNo         uint32
	Service         byte
	Status          byte
	AddedStatusSize byte
	AddedStatus     uint16
	Data            []byte
}

// ParseAnswer decodes an answer from raw bytes. The only validation is a
// minimum-length check; identifier and reserved fields are not verified,
// mirroring the controller's behavior of always emitting well-formed
// answers. The returned Answer owns its payload slice.
func ParseAnswer(b []byte) (*Answer, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("ParseAnswer: packet too short: %d bytes", len(b))
	}

	a := &Answer{
		DataSize:        binary.LittleEndian.Uint16(b[6:8]),
		Division:        Division(b[9]),
		Ack:             b[10],
		RequestID:       b[11],
		BlockNo:         binary.LittleEndian.Uint32(b[12:16]),
		Service:         b[24],
		Status:          b[25],
		AddedStatusSize: b[26],
		AddedStatus:     binary.LittleEndian.Uint16(b[28:30]),
	}

	// Payload length comes from the header data-size field, clamped to
	// what actually arrived.
	n := int(a.DataSize)
	if headerSize+n > len(b) {
		n = len(b) - headerSize
	}
	a.Data = make([]byte, n)
	copy(a.Data, b[headerSize:headerSize+n])

	return a, nil
}

// trimZeroes returns s up to the first trailing run of zero bytes
// stripped. Wire strings are zero-padded to their field width.
func trimZeroes(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}
