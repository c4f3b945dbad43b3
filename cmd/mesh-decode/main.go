// mesh-decode pretty-prints mesh frames given as hex, either as
// arguments or one per line on stdin. It accepts both bare mesh
// payloads and full "MI"-framed frames.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/sunfield/mesh-daq/internal/mesh"
)

func main() {
	inputs := os.Args[1:]
	if len(inputs) == 0 {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				inputs = append(inputs, line)
			}
		}
	}
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mesh-decode <hex frame> [...]  (or hex lines on stdin)")
		os.Exit(1)
	}

	decoded := 0
	for i, in := range inputs {
		fmt.Printf("=== frame %d (%d hex chars) ===\n", i+1, len(in))
		if analyze(in) {
			decoded++
		}
		fmt.Println()
	}

	if decoded == 0 {
		os.Exit(1)
	}
}

func analyze(input string) bool {
	raw, err := hex.DecodeString(strings.ToLower(strings.ReplaceAll(input, " ", "")))
	if err != nil {
		fmt.Printf("  not hex: %v\n", err)
		return false
	}

	// Unwrap the TCP envelope when present.
	if len(raw) >= 3 && string(raw[:2]) == mesh.FrameMagic && int(raw[2]) == len(raw)-3 {
		fmt.Printf("  MI frame, body %d bytes\n", raw[2])
		raw = raw[3:]
	}

	msg, err := mesh.Decode(raw)
	if err != nil {
		fmt.Printf("  decode error: %v\n", err)
		return false
	}

	fmt.Printf("  macaddr:    %s\n", msg.Addr)
	fmt.Printf("  ctrl:       0x%02x (atype=%v super=%v rreq=%v fail=%v prior=%v version=%d)\n",
		byte(msg.Ctrl), msg.Ctrl.AType(), msg.Ctrl.Super(), msg.Ctrl.RReq(),
		msg.Ctrl.Fail(), msg.Ctrl.Prior(), msg.Ctrl.Version())
	fmt.Printf("  request_id: %d\n", msg.RequestID)
	fmt.Printf("  hops:       source=%d/%d current=%d/%d\n",
		msg.SourceHopcount, msg.SourceQueueLength, msg.Hopcount, msg.QueueLength)
	fmt.Printf("  dtype:      %d, part %d of %d\n", msg.DType, msg.PartNum, msg.NumParts)
	fmt.Printf("  commands:   %d (%d skipped)\n", len(msg.Commands), msg.SkippedCommands)

	for i, cmd := range msg.Commands {
		switch c := cmd.(type) {
		case *mesh.DataIndication:
			fmt.Printf("  [%d] DataIndication op_stat=%d reg_stat=%d samples=%d\n",
				i, c.OpStat, c.RegStat, len(c.Data))
			for j, s := range c.Data {
				fmt.Printf("      [%d] t=%d Vi=%.2f Vo=%.2f Ii=%.2f Io=%.2f Pi=%.2f Po=%.2f\n",
					j, s.Timestamp, s.Vi, s.Vo, s.Ii, s.Io, s.Pi, s.Po)
			}
		case *mesh.RawResponse:
			fmt.Printf("  [%d] RawResponse raw=%s\n", i, c.Raw)
		default:
			fmt.Printf("  [%d] command 0x%02x\n", i, cmd.ID())
		}
	}
	return true
}
