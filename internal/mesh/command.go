package mesh

import (
	"encoding/hex"
	"fmt"
)

// Command is one decoded TLV from a message payload.
type Command interface {
	// ID is the wire command identifier.
	ID() byte
	// Encode renders the full TLV: length byte, identifier, body.
	Encode() ([]byte, error)
	// Response flattens the command and its header fields for handlers.
	Response() map[string]any
	// Bind attaches the enclosing message header. Decode and
	// Message.AddCommand call this.
	Bind(*Message)
}

// DecodeFunc builds a command from a TLV body, identifier stripped.
type DecodeFunc func(header *Message, body []byte) (Command, error)

var decoders = map[byte]DecodeFunc{}

// RegisterCommand installs the decoder for a command identifier,
// replacing any previous one. Call during init; the table is read-only
// once Decode is in use.
func RegisterCommand(id byte, fn DecodeFunc) {
	decoders[id] = fn
}

// wrapTLV renders length, identifier, body. The length byte counts the
// identifier plus the body, so the body is capped at 254 bytes.
func wrapTLV(id byte, body []byte) ([]byte, error) {
	if len(body) > MaxFrameBody-1 {
		return nil, fmt.Errorf("mesh: command %#02x body %d bytes exceeds TLV limit", id, len(body))
	}
	out := make([]byte, 0, 2+len(body))
	out = append(out, byte(1+len(body)), id)
	return append(out, body...), nil
}

// baseResponse carries the header fields every command response shares.
// The command must be bound to a message first.
func baseResponse(h *Message) map[string]any {
	return map[string]any{
		"status":              !h.Ctrl.Fail(),
		"macaddr":             h.Addr,
		"source_hopcount":     int(h.SourceHopcount),
		"source_queue_length": int(h.SourceQueueLength),
	}
}

// CmdRawResponse is the identifier RawResponse re-encodes under. The
// originating identifier of an unknown command is not preserved.
const CmdRawResponse byte = 0x00

// RawResponse carries the body of any command the registry does not
// know, rendered as lowercase hex.
type RawResponse struct {
	Header *Message
	Raw    string
}

func (r *RawResponse) ID() byte        { return CmdRawResponse }
func (r *RawResponse) Bind(m *Message) { r.Header = m }

func (r *RawResponse) Encode() ([]byte, error) {
	body, err := hex.DecodeString(r.Raw)
	if err != nil {
		return nil, fmt.Errorf("mesh: raw response body is not hex: %w", err)
	}
	return wrapTLV(CmdRawResponse, body)
}

func (r *RawResponse) Response() map[string]any {
	res := baseResponse(r.Header)
	res["raw"] = r.Raw
	return res
}

func decodeRawResponse(header *Message, body []byte) (Command, error) {
	return &RawResponse{Header: header, Raw: hex.EncodeToString(body)}, nil
}
