package command

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/sunfield/mesh-daq/internal/mesh"
	"github.com/sunfield/mesh-daq/internal/telemetry"
	"go.uber.org/zap"
)

type fakeTuner struct {
	calls []tuneCall
	hits  int
}

type tuneCall struct {
	stage, key string
	value      any
}

func (f *fakeTuner) Tune(stage, key string, value any) int {
	f.calls = append(f.calls, tuneCall{stage, key, value})
	return f.hits
}

type fakeDevices struct {
	rec *telemetry.Record
}

func (f *fakeDevices) Last(recordType string) (*telemetry.Record, bool) {
	if f.rec == nil || f.rec.Type != recordType {
		return nil, false
	}
	return f.rec, true
}

func TestIsMACAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"fa:29:eb:6d:87:01", "0000fa29eb6d8701", true},
		{"FA-29-EB-6D-87-01", "0000fa29eb6d8701", true},
		{"0000fa29eb6d8701", "0000fa29eb6d8701", true},
		{"1", "0000000000000001", true},
		{"ffffffffffffffff", "ffffffffffffffff", true},
		{"", "", false},
		{"0000fa29eb6d870102", "", false}, // too long
		{"zz:29:eb:6d:87:01", "", false},  // not hex
	}
	for _, tt := range tests {
		got, ok := IsMACAddr(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("IsMACAddr(%q) = %q, %v; want %q, %v",
				tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBasicMessage(t *testing.T) {
	m := BasicMessage(1234, "0000fa29eb6d8701", mesh.DTypePLM)
	if m.Addr != "0000fa29eb6d8701" || m.RequestID != 1234 {
		t.Errorf("addressing wrong: %s/%d", m.Addr, m.RequestID)
	}
	if !m.Ctrl.Prior() {
		t.Error("basic message should be priority")
	}
	if !m.Ctrl.RReq() {
		t.Error("unicast message should request a response")
	}

	bc := BasicMessage(1, mesh.BroadcastAddr, mesh.DTypePLM)
	if bc.Ctrl.RReq() {
		t.Error("broadcast message must not request a response")
	}
}

func TestRegistry_Ping(t *testing.T) {
	r := NewRegistry(Deps{Log: zap.NewNop()})
	res := r.Invoke(context.Background(), "ping", nil)
	if !res.Status || res.Msg != "pong" {
		t.Errorf("ping = %+v", res)
	}
}

func TestRegistry_UnknownCommand(t *testing.T) {
	r := NewRegistry(Deps{Log: zap.NewNop()})
	res := r.Invoke(context.Background(), "reticulate", nil)
	if res.Status || res.Msg != "unknown command" {
		t.Errorf("unknown = %+v", res)
	}
}

func TestRegistry_PanicBecomesFailure(t *testing.T) {
	r := NewRegistry(Deps{Log: zap.NewNop()})
	r.Register("boom", func(context.Context, map[string]any) Result {
		panic("kaboom")
	})
	res := r.Invoke(context.Background(), "boom", nil)
	if res.Status || res.Msg != "command boom failed" {
		t.Errorf("panicking command = %+v", res)
	}
}

func TestSetBatchTunables(t *testing.T) {
	tuner := &fakeTuner{hits: 1}
	r := NewRegistry(Deps{Tuner: tuner, Log: zap.NewNop()})

	res := r.Invoke(context.Background(), "set_batch_tunables",
		map[string]any{"batch_on": int32(4), "batch_at": 0.5})
	if !res.Status {
		t.Fatalf("set failed: %+v", res)
	}
	if len(tuner.calls) != 2 {
		t.Fatalf("expected 2 tune calls, got %d", len(tuner.calls))
	}
	if tuner.calls[0].key != "batch_on" || tuner.calls[0].value.(int) != 4 {
		t.Errorf("batch_on call wrong: %+v", tuner.calls[0])
	}
	if tuner.calls[1].key != "batch_at" || tuner.calls[1].value.(float64) != 0.5 {
		t.Errorf("batch_at call wrong: %+v", tuner.calls[1])
	}
}

func TestSetBatchTunables_Rejections(t *testing.T) {
	tuner := &fakeTuner{hits: 1}
	r := NewRegistry(Deps{Tuner: tuner, Log: zap.NewNop()})
	ctx := context.Background()

	if res := r.Invoke(ctx, "set_batch_tunables", map[string]any{"batch_on": 0}); res.Status {
		t.Errorf("batch_on 0 accepted: %+v", res)
	}
	if res := r.Invoke(ctx, "set_batch_tunables", map[string]any{"batch_at": -1.0}); res.Status {
		t.Errorf("negative batch_at accepted: %+v", res)
	}
	if res := r.Invoke(ctx, "set_batch_tunables", map[string]any{}); res.Status {
		t.Errorf("empty args accepted: %+v", res)
	}

	none := &fakeTuner{hits: 0}
	r = NewRegistry(Deps{Tuner: none, Log: zap.NewNop()})
	if res := r.Invoke(ctx, "set_batch_tunables", map[string]any{"batch_on": 4}); res.Status || res.Msg != "no batch stage" {
		t.Errorf("missing stage = %+v", res)
	}
}

func TestLastDeviceData(t *testing.T) {
	devices := &fakeDevices{rec: &telemetry.Record{
		Type:    telemetry.TypeMon,
		MacAddr: "0000fa29eb6d8701",
		Vi:      38.5,
	}}
	r := NewRegistry(Deps{Devices: devices, Log: zap.NewNop()})
	ctx := context.Background()

	res := r.Invoke(ctx, "last_device_data", nil)
	if !res.Status {
		t.Fatalf("lookup failed: %+v", res)
	}
	// Canonical extended JSON of the stored record.
	for _, want := range []string{`"macaddr"`, `"0000fa29eb6d8701"`, `"vi"`} {
		if !strings.Contains(res.Msg, want) {
			t.Errorf("response missing %s: %s", want, res.Msg)
		}
	}

	if res := r.Invoke(ctx, "last_device_data", map[string]any{"type": "cal"}); res.Status {
		t.Errorf("expected miss for unknown type, got %+v", res)
	}
}

func TestSendCommand(t *testing.T) {
	next := uint16(41)
	r := NewRegistry(Deps{
		NextRequestID: func() uint16 { next++; return next },
		Log:           zap.NewNop(),
	})

	res := r.Invoke(context.Background(), "send_command",
		map[string]any{"macaddr": "fa:29:eb:6d:87:01"})
	if !res.Status {
		t.Fatalf("send_command failed: %+v", res)
	}

	frame, err := hex.DecodeString(res.Msg)
	if err != nil {
		t.Fatalf("response is not hex: %v", err)
	}
	if string(frame[:2]) != mesh.FrameMagic {
		t.Fatalf("missing frame magic: %x", frame[:2])
	}
	msg, err := mesh.Decode(frame[3:])
	if err != nil {
		t.Fatalf("decoding framed message: %v", err)
	}
	if msg.Addr != "0000fa29eb6d8701" {
		t.Errorf("wrong addr %s", msg.Addr)
	}
	if msg.RequestID != 42 {
		t.Errorf("wrong request id %d", msg.RequestID)
	}
	if msg.DType != mesh.DTypePLM {
		t.Errorf("wrong dtype %d", msg.DType)
	}
}

func TestSendCommand_Rejections(t *testing.T) {
	r := NewRegistry(Deps{Log: zap.NewNop()})
	ctx := context.Background()

	if res := r.Invoke(ctx, "send_command", map[string]any{"macaddr": "zz"}); res.Status {
		t.Errorf("bad macaddr accepted: %+v", res)
	}
	if res := r.Invoke(ctx, "send_command",
		map[string]any{"macaddr": "1", "dtype": 99}); res.Status {
		t.Errorf("out-of-range dtype accepted: %+v", res)
	}
}
