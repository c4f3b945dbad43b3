// Package command implements the named command registry behind
// COMMAND_REQUEST: bus clients send {func, args} and get back
// {status, msg}. It also carries the mesh message builders operators
// use to address monitors.
package command

import (
	"context"
	"fmt"

	"github.com/sunfield/mesh-daq/internal/telemetry"
	"go.uber.org/zap"
)

// Result is the reply shape for every command.
type Result struct {
	Status bool   `bson:"status"`
	Msg    string `bson:"msg"`
}

// Func executes one named command.
type Func func(ctx context.Context, args map[string]any) Result

// Tuner adjusts live pipeline tunables; the pipeline manager
// implements it.
type Tuner interface {
	Tune(stageName, key string, value any) int
}

// DeviceReader exposes last-seen device records; the devstate store
// implements it.
type DeviceReader interface {
	Last(recordType string) (*telemetry.Record, bool)
}

// Deps are the collaborators the built-in commands need.
type Deps struct {
	Tuner         Tuner
	Devices       DeviceReader
	NextRequestID func() uint16
	Log           *zap.Logger
}

// Registry maps command names to implementations.
type Registry struct {
	funcs map[string]Func
	log   *zap.Logger
}

// NewRegistry builds a registry with the built-in commands installed.
func NewRegistry(d Deps) *Registry {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{funcs: make(map[string]Func), log: log}
	r.Register("ping", cmdPing)
	r.Register("set_batch_tunables", cmdSetBatchTunables(d.Tuner))
	r.Register("last_device_data", cmdLastDeviceData(d.Devices))
	r.Register("send_command", cmdSendCommand(d.NextRequestID))
	return r
}

// Register installs fn under name, replacing any previous entry.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Invoke runs the named command. Unknown names and panicking commands
// come back as failed results, never as errors; the request transport
// always gets an answer.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (res Result) {
	fn, ok := r.funcs[name]
	if !ok {
		return Result{Status: false, Msg: "unknown command"}
	}
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("command panicked",
				zap.String("func", name), zap.Any("panic", v))
			res = Result{Status: false, Msg: fmt.Sprintf("command %s failed", name)}
		}
	}()
	return fn(ctx, args)
}

// argString reads a string argument with a default.
func argString(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, isStr := v.(string); isStr {
			return s
		}
	}
	return def
}

// argNumber reads a numeric argument; BSON decoding may deliver any
// integer or float width.
func argNumber(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
