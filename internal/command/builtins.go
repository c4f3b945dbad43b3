package command

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/sunfield/mesh-daq/internal/mesh"
	"go.mongodb.org/mongo-driver/bson"
)

func cmdPing(_ context.Context, _ map[string]any) Result {
	return Result{Status: true, Msg: "pong"}
}

// cmdSetBatchTunables retunes the live batch thresholds:
// {"func": "set_batch_tunables", "args": {"batch_on": 4, "batch_at": 0.5}}.
func cmdSetBatchTunables(tuner Tuner) Func {
	return func(_ context.Context, args map[string]any) Result {
		if tuner == nil {
			return Result{Status: false, Msg: "pipeline not running"}
		}
		applied := []string{}
		if on, ok := argNumber(args, "batch_on"); ok {
			if on < 1 {
				return Result{Status: false, Msg: "batch_on must be >= 1"}
			}
			if n := tuner.Tune("batch", "batch_on", int(on)); n == 0 {
				return Result{Status: false, Msg: "no batch stage"}
			}
			applied = append(applied, fmt.Sprintf("batch_on=%d", int(on)))
		}
		if at, ok := argNumber(args, "batch_at"); ok {
			if at <= 0 {
				return Result{Status: false, Msg: "batch_at must be > 0"}
			}
			if n := tuner.Tune("batch", "batch_at", at); n == 0 {
				return Result{Status: false, Msg: "no batch stage"}
			}
			applied = append(applied, fmt.Sprintf("batch_at=%gs", at))
		}
		if len(applied) == 0 {
			return Result{Status: false, Msg: "nothing to set: pass batch_on and/or batch_at"}
		}
		msg := applied[0]
		for _, a := range applied[1:] {
			msg += " " + a
		}
		return Result{Status: true, Msg: msg}
	}
}

// cmdLastDeviceData returns the most recent record of a type as
// canonical extended JSON.
func cmdLastDeviceData(devices DeviceReader) Func {
	return func(_ context.Context, args map[string]any) Result {
		if devices == nil {
			return Result{Status: false, Msg: "device state not available"}
		}
		recordType := argString(args, "type", "mon")
		rec, ok := devices.Last(recordType)
		if !ok {
			return Result{Status: false, Msg: fmt.Sprintf("no data for type %q", recordType)}
		}
		doc, err := bson.MarshalExtJSON(rec, true, false)
		if err != nil {
			return Result{Status: false, Msg: fmt.Sprintf("record not renderable: %v", err)}
		}
		return Result{Status: true, Msg: string(doc)}
	}
}

// cmdSendCommand builds and frames a basic mesh message addressed to a
// monitor. Downlink transmission is out of scope, so the framed bytes
// come back hex-encoded for the caller to carry.
func cmdSendCommand(nextRequestID func() uint16) Func {
	return func(_ context.Context, args map[string]any) Result {
		mac, ok := IsMACAddr(argString(args, "macaddr", ""))
		if !ok {
			return Result{Status: false, Msg: "invalid macaddr"}
		}
		dtype := mesh.DTypePLM
		if n, has := argNumber(args, "dtype"); has {
			if n < 0 || mesh.DType(n) > mesh.MaxDType {
				return Result{Status: false, Msg: fmt.Sprintf("dtype %g out of range", n)}
			}
			dtype = mesh.DType(n)
		}
		var requestID uint16
		if nextRequestID != nil {
			requestID = nextRequestID()
		}
		msg := BasicMessage(requestID, mac, dtype)
		raw, err := msg.Encode()
		if err != nil {
			return Result{Status: false, Msg: fmt.Sprintf("encoding failed: %v", err)}
		}
		frame, err := mesh.Frame(raw)
		if err != nil {
			return Result{Status: false, Msg: fmt.Sprintf("framing failed: %v", err)}
		}
		return Result{Status: true, Msg: hex.EncodeToString(frame)}
	}
}
