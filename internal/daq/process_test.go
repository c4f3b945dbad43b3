package daq

import (
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sunfield/mesh-daq/internal/config"
	"github.com/sunfield/mesh-daq/internal/devstate"
	"github.com/sunfield/mesh-daq/internal/egress"
	"github.com/sunfield/mesh-daq/internal/mesh"
	"github.com/sunfield/mesh-daq/internal/telemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// testBus is an in-memory egress.Bus recording publishes and routing
// deliveries to subscription handlers.
type testBus struct {
	mu        sync.Mutex
	connected bool
	published map[string][][]byte
	handlers  map[string]egress.Handler
}

func newTestBus() *testBus {
	return &testBus{
		published: make(map[string][][]byte),
		handlers:  make(map[string]egress.Handler),
	}
}

func (b *testBus) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *testBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[subject] = append(b.published[subject], append([]byte(nil), data...))
	return nil
}

func (b *testBus) Subscribe(_ context.Context, subject string, h egress.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = h
	return nil
}

func (b *testBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *testBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *testBus) deliver(subject string, data []byte) {
	b.mu.Lock()
	h := b.handlers[subject]
	b.mu.Unlock()
	if h != nil {
		h(subject, data)
	}
}

func (b *testBus) messages(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[subject]...)
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			CommHost:      "127.0.0.1",
			CommPort:      0,
			AdListenPort:  0,
			AdRespondPort: 0,
		},
		NATS: config.NATSConfig{
			ExternalMeshTopic: "mesh.external",
			CommandTopic:      "daq.command",
			ResponseTopic:     "daq.response",
		},
		DAQ: config.DAQConfig{
			QueueSize:         64,
			BackpressureQSize: 1000,
			Compression: config.CompressionConfig{
				BatchOn: 1,
				BatchAt: 60,
				Codec:   "bzip2",
			},
		},
	}
}

func newTestProcess(t *testing.T, internal, external egress.Bus) *Process {
	t.Helper()
	devices := devstate.New(nil, "test", zap.NewNop())
	p, err := New(testConfig(), internal, external, devices, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("building process: %v", err)
	}
	return p
}

func decodeBatch(t *testing.T, payload []byte) []telemetry.Record {
	t.Helper()
	plain, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(payload)))
	if err != nil {
		t.Fatalf("bzip2 decompress: %v", err)
	}
	var env struct {
		Cache []telemetry.Record `bson:"cache"`
	}
	if err := bson.Unmarshal(plain, &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env.Cache
}

func waitBatches(t *testing.T, bus *testBus, subject string, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := bus.messages(subject); len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %d batches on %s", n, subject)
	return nil
}

func TestRequestIDs_WrapAndDiffer(t *testing.T) {
	var r requestIDs
	r.n.Store(65535)
	if got := r.Next(); got != 0 {
		t.Errorf("expected wrap to 0, got %d", got)
	}
	if a, b := r.Next(), r.Next(); a == b {
		t.Errorf("consecutive ids equal: %d", a)
	}
}

func TestHandleDataReport_Normalizes(t *testing.T) {
	p := newTestProcess(t, nil, newTestBus())

	header := mesh.NewMessage()
	header.SetAddr("0000fa29eb6d8701")
	header.DType = mesh.DTypePLM
	di := &mesh.DataIndication{Header: header, OpStat: 1, RegStat: 2}
	di.AddData(100, 38.5, 38.4, 7.0, 6.9, 269.5, 265.0)
	di.AddData(105, 38.6, 38.5, 7.1, 7.0, 274.1, 269.5)

	handled, err := p.handleDataReport(context.Background(), di)
	if err != nil || !handled {
		t.Fatalf("handleDataReport = %v, %v", handled, err)
	}

	for i, wantTS := range []uint16{100, 105} {
		rec, ok := (<-p.head).(*telemetry.Record)
		if !ok {
			t.Fatalf("record %d: wrong type on pipeline head", i)
		}
		if rec.MacAddr != "0000fa29eb6d8701" || rec.Type != telemetry.TypeMon {
			t.Errorf("record %d identity wrong: %s/%s", i, rec.Type, rec.MacAddr)
		}
		if want := p.sunrise.Add(time.Duration(wantTS) * time.Second); !rec.Freezetime.Equal(want) {
			t.Errorf("record %d freezetime = %v, want %v", i, rec.Freezetime, want)
		}
		if rec.OpStat != 1 || rec.RegStat != 2 {
			t.Errorf("record %d status wrong: op=%d reg=%d", i, rec.OpStat, rec.RegStat)
		}
	}

	// Sample order preserved, last one wins the device state.
	last, ok := p.devices.Last(telemetry.TypeMon)
	if !ok || last.Vi != 38.6 {
		t.Errorf("device state not updated: %+v (ok=%v)", last, ok)
	}
}

func TestHandleDataReport_RejectsUnboundCommand(t *testing.T) {
	p := newTestProcess(t, nil, newTestBus())
	handled, err := p.handleDataReport(context.Background(), &mesh.DataIndication{})
	if handled || err != nil {
		t.Errorf("unbound indication = %v, %v; want false, nil", handled, err)
	}
}

func TestRoute_MeshIndicationEndToEnd(t *testing.T) {
	external := newTestBus()
	p := newTestProcess(t, nil, external)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("starting process: %v", err)
	}
	runDone := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(runDone)
	}()
	defer func() {
		cancel()
		<-runDone
		p.Stop()
	}()

	msg := mesh.NewMessage()
	msg.SetAddr("0000fa29eb6d8701")
	msg.DType = mesh.DTypePLM
	di := &mesh.DataIndication{OpStat: 1, RegStat: 1}
	di.AddData(42, 38.5, 38.4, 7.0, 6.9, 269.5, 265.0)
	msg.AddCommand(di)
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encoding message: %v", err)
	}
	frame, err := mesh.Frame(raw)
	if err != nil {
		t.Fatalf("framing: %v", err)
	}

	conn, err := net.Dial("tcp", p.Gateway().Addr().String())
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	msgs := waitBatches(t, external, "mesh.external", 1)
	recs := decodeBatch(t, msgs[0])
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].MacAddr != "0000fa29eb6d8701" || recs[0].Vi != 38.5 {
		t.Errorf("published record wrong: %+v", recs[0])
	}
}

func TestRoute_CommandRequestRoundTrip(t *testing.T) {
	internal := newTestBus()
	p := newTestProcess(t, internal, newTestBus())

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("starting process: %v", err)
	}
	runDone := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(runDone)
	}()
	defer func() {
		cancel()
		<-runDone
		p.Stop()
	}()

	req, err := bson.Marshal(bson.M{"func": "ping"})
	if err != nil {
		t.Fatal(err)
	}
	internal.deliver("daq.command", req)

	msgs := waitBatches(t, internal, "daq.response", 1)
	var res struct {
		Status bool   `bson:"status"`
		Msg    string `bson:"msg"`
	}
	if err := bson.Unmarshal(msgs[0], &res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !res.Status || res.Msg != "pong" {
		t.Errorf("ping response = %+v", res)
	}
}

func TestRoute_MalformedFrameDropped(t *testing.T) {
	p := newTestProcess(t, nil, newTestBus())

	p.route(context.Background(), mesh.Indication{
		Kind:   mesh.MeshIndication,
		Body:   []byte{0x01, 0x02, 0x03},
		Length: 3,
	})

	select {
	case v := <-p.head:
		t.Errorf("malformed frame produced pipeline input: %v", v)
	default:
	}
}

func TestDispatch_HandlerErrorIsolated(t *testing.T) {
	p := newTestProcess(t, nil, newTestBus())

	var ran []string
	p.handlers = []dispatchEntry{
		{name: "broken", wants: []byte{mesh.CmdDataIndication},
			fn: func(context.Context, mesh.Command) (bool, error) {
				ran = append(ran, "broken")
				return false, errors.New("boom")
			}},
		{name: "fine", wants: []byte{mesh.CmdDataIndication},
			fn: func(context.Context, mesh.Command) (bool, error) {
				ran = append(ran, "fine")
				return true, nil
			}},
		{name: "uninterested", wants: []byte{0x01},
			fn: func(context.Context, mesh.Command) (bool, error) {
				ran = append(ran, "uninterested")
				return true, nil
			}},
	}

	ok := p.dispatch(context.Background(), &mesh.DataIndication{})
	if ok {
		t.Error("dispatch should report failure when a handler errors")
	}
	if len(ran) != 2 || ran[0] != "broken" || ran[1] != "fine" {
		t.Errorf("unexpected handler sequence: %v", ran)
	}
}
