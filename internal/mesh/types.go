package mesh

import "time"

// Header sizes.
const (
	HeaderSize = 17 // ctrl(1) + addr(8) + request_id(2) + shc(1) + sql(1) + hc(1) + ql(1) + type(1) + parts(1)
	AddrSize   = 8  // MAC bytes on the wire
	AddrHexLen = 16 // MAC rendered as hex text
)

// Frame envelope. A frame is magic, one length byte, then the body.
const (
	FrameMagic   = "MI"
	MaxFrameBody = 255
)

// DType identifies the payload class carried in the low nibble of the
// type byte.
type DType uint8

const (
	DTypeRes DType = 0 // reserved
	DTypeSPG DType = 1
	DTypePLM DType = 2
	DTypePLO DType = 3
	DTypeJXM DType = 4
)

// MaxDType is the highest assigned payload class.
const MaxDType = DTypeJXM

// Indication kinds seen on the ingress queue.
const (
	MeshIndication = "MI" // framed telemetry from the TCP gateway
	CommandRequest = "CR" // BSON-encoded command request from the bus
)

// Indication is one unit of ingress work: a framed payload from a
// gateway peer or a command request from the bus, stamped on receipt.
type Indication struct {
	Gateway    string
	Kind       string
	Length     int
	Body       []byte
	ReceivedOn time.Time
}
