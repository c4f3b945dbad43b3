package command

import (
	"encoding/hex"
	"strings"

	"github.com/sunfield/mesh-daq/internal/mesh"
)

// IsMACAddr normalizes a monitor address: separators stripped,
// lowercased, left-padded with zeros to 16 hex digits. The second
// return is false when the input cannot name a monitor.
func IsMACAddr(s string) (string, bool) {
	s = strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(s))
	if s == "" || len(s) > mesh.AddrHexLen {
		return "", false
	}
	if len(s) < mesh.AddrHexLen {
		s = strings.Repeat("0", mesh.AddrHexLen-len(s)) + s
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", false
	}
	return s, true
}

// BasicMessage builds a single-part priority message addressed to one
// monitor. Unicast messages request a response; broadcasts do not.
func BasicMessage(requestID uint16, macaddr string, dtype mesh.DType, cmds ...mesh.Command) *mesh.Message {
	m := mesh.NewMessage()
	m.SetAddr(macaddr)
	m.RequestID = requestID
	m.DType = dtype
	m.Ctrl.SetPrior(true)
	m.Ctrl.SetRReq(!m.IsBroadcast())
	for _, cmd := range cmds {
		m.AddCommand(cmd)
	}
	return m
}
