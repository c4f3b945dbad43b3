package mesh

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedFrame reports a frame whose header or TLV layout
	// cannot be tokenized. The whole frame is unusable.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedCommand reports a TLV body its decoder rejected. The
	// command is dropped; the rest of the frame stands.
	ErrMalformedCommand = errors.New("malformed command")
)

// BroadcastAddr addresses every monitor on the mesh.
const BroadcastAddr = "ffffffffffffffff"

// Message is one mesh-network unit: a fixed header followed by command
// TLVs.
//
// Header layout, in wire order:
//
//	Offset  0: control byte (1)
//	Offset  1: MAC address (8, least significant byte first)
//	Offset  9: request id (2, big-endian)
//	Offset 11: source hopcount (1)
//	Offset 12: source queue length (1)
//	Offset 13: hopcount (1)
//	Offset 14: queue length (1)
//	Offset 15: reserved nibble | dtype nibble (1)
//	Offset 16: partnum-1 nibble | numparts-1 nibble (1)
type Message struct {
	Ctrl              MeshCtrl
	Addr              string // 16 lowercase hex digits, most significant byte first
	RequestID         uint16
	SourceHopcount    uint8
	SourceQueueLength uint8
	Hopcount          uint8
	QueueLength       uint8
	Reserved          uint8 // high nibble of the type byte, carried as-is
	DType             DType
	PartNum           uint8 // 1-indexed
	NumParts          uint8 // 1-indexed
	Payload           []byte
	Commands          []Command
	// SkippedCommands counts TLVs whose decoder rejected the body.
	SkippedCommands int
}

// NewMessage returns a broadcast-addressed single-part message.
func NewMessage() *Message {
	return &Message{Addr: BroadcastAddr, PartNum: 1, NumParts: 1}
}

// SetAddr stores a MAC given as hex text, lowercased and left-padded to
// 16 digits. Empty means broadcast.
func (m *Message) SetAddr(macaddr string) {
	if macaddr == "" {
		m.Addr = BroadcastAddr
		return
	}
	macaddr = strings.ToLower(macaddr)
	if len(macaddr) < AddrHexLen {
		macaddr = strings.Repeat("0", AddrHexLen-len(macaddr)) + macaddr
	}
	m.Addr = macaddr
}

// IsBroadcast reports whether the address is the all-ones MAC.
func (m *Message) IsBroadcast() bool {
	return strings.EqualFold(m.Addr, BroadcastAddr)
}

// AddCommand appends cmd and binds it to this header.
func (m *Message) AddCommand(cmd Command) {
	cmd.Bind(m)
	m.Commands = append(m.Commands, cmd)
}

// Responses renders every command for dispatch.
func (m *Message) Responses() []map[string]any {
	out := make([]map[string]any, 0, len(m.Commands))
	for _, cmd := range m.Commands {
		out = append(out, cmd.Response())
	}
	return out
}

// Encode renders the wire form: header, then each command TLV. Ranges
// the wire cannot carry are rejected.
func (m *Message) Encode() ([]byte, error) {
	if m.DType > MaxDType {
		return nil, fmt.Errorf("mesh: dtype %d out of range", m.DType)
	}
	if m.Reserved > 0x0F {
		return nil, fmt.Errorf("mesh: reserved nibble %d out of range", m.Reserved)
	}
	if m.PartNum < 1 || m.NumParts < 1 || m.PartNum > 16 || m.NumParts > 16 || m.PartNum > m.NumParts {
		return nil, fmt.Errorf("mesh: part %d of %d out of range", m.PartNum, m.NumParts)
	}
	addr, err := hex.DecodeString(m.Addr)
	if err != nil || len(addr) != AddrSize {
		return nil, fmt.Errorf("mesh: addr %q is not %d hex bytes", m.Addr, AddrSize)
	}

	raw := make([]byte, 0, HeaderSize)
	raw = append(raw, byte(m.Ctrl))
	for i := AddrSize - 1; i >= 0; i-- {
		raw = append(raw, addr[i])
	}
	raw = binary.BigEndian.AppendUint16(raw, m.RequestID)
	raw = append(raw, m.SourceHopcount, m.SourceQueueLength, m.Hopcount, m.QueueLength)
	raw = append(raw, m.Reserved<<4|byte(m.DType))
	raw = append(raw, (m.PartNum-1)<<4|(m.NumParts-1))

	for i, cmd := range m.Commands {
		tlv, err := cmd.Encode()
		if err != nil {
			return nil, fmt.Errorf("mesh: command %d: %w", i, err)
		}
		raw = append(raw, tlv...)
	}
	return raw, nil
}

// Decode parses one frame body. A TLV whose registered decoder rejects
// its body is skipped and counted; a TLV length running past the
// payload fails the whole frame.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("mesh: frame %d bytes, header needs %d: %w", len(raw), HeaderSize, ErrMalformedFrame)
	}

	m := NewMessage()
	m.Ctrl = MeshCtrl(raw[0])

	addr := make([]byte, AddrSize)
	for i := 0; i < AddrSize; i++ {
		addr[i] = raw[AddrSize-i] // wire order is least significant byte first
	}
	m.Addr = hex.EncodeToString(addr)

	m.RequestID = binary.BigEndian.Uint16(raw[9:11])
	m.SourceHopcount = raw[11]
	m.SourceQueueLength = raw[12]
	m.Hopcount = raw[13]
	m.QueueLength = raw[14]
	m.Reserved = raw[15] >> 4
	m.DType = DType(raw[15] & 0x0F)
	m.PartNum = raw[16]>>4 + 1
	m.NumParts = raw[16]&0x0F + 1
	m.Payload = raw[HeaderSize:]

	payload := m.Payload
	for offset := 0; offset < len(payload); {
		clen := int(payload[offset])
		if offset+1+clen > len(payload) {
			return nil, fmt.Errorf("mesh: command length %d at offset %d runs past payload end %d: %w",
				clen, offset, len(payload), ErrMalformedFrame)
		}
		if clen == 0 {
			// Degenerate TLV with no identifier.
			m.SkippedCommands++
			offset++
			continue
		}
		id := payload[offset+1]
		body := payload[offset+2 : offset+1+clen]
		fn, ok := decoders[id]
		if !ok {
			fn = decodeRawResponse
		}
		cmd, err := fn(m, body)
		if err != nil {
			m.SkippedCommands++
		} else {
			m.Commands = append(m.Commands, cmd)
		}
		offset += 1 + clen
	}
	return m, nil
}

// Frame wraps a message body in the TCP envelope: magic, length byte,
// body.
func Frame(body []byte) ([]byte, error) {
	if len(body) > MaxFrameBody {
		return nil, fmt.Errorf("mesh: frame body %d bytes exceeds %d", len(body), MaxFrameBody)
	}
	out := make([]byte, 0, len(FrameMagic)+1+len(body))
	out = append(out, FrameMagic...)
	out = append(out, byte(len(body)))
	return append(out, body...), nil
}
