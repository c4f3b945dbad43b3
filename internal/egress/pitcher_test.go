package egress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sunfield/mesh-daq/internal/mesh"
	"go.uber.org/zap"
)

// fakeBus records publishes and lets tests fail individual operations.
type fakeBus struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	published  []fakeMsg
	handlers   map[string]Handler
}

type fakeMsg struct {
	subject string
	data    []byte
}

func (f *fakeBus) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, fakeMsg{subject: subject, data: data})
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, subject string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]Handler)
	}
	f.handlers[subject] = h
	return nil
}

func (f *fakeBus) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBus) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeBus) deliver(subject string, data []byte) {
	f.mu.Lock()
	h := f.handlers[subject]
	f.mu.Unlock()
	if h != nil {
		h(subject, data)
	}
}

func (f *fakeBus) snapshot() []fakeMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMsg(nil), f.published...)
}

func runPitcher(t *testing.T, p *Pitcher) (chan<- any, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return p.In(), func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pitcher did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPitcher_PublishesBatches(t *testing.T) {
	bus := &fakeBus{}
	p := NewPitcher(bus, "telemetry.batches", 0, 8, zap.NewNop())
	in, stop := runPitcher(t, p)
	defer stop()

	in <- []byte("batch-1")
	in <- []byte("batch-2")

	waitFor(t, func() bool { return len(bus.snapshot()) == 2 })
	got := bus.snapshot()
	if got[0].subject != "telemetry.batches" || string(got[0].data) != "batch-1" {
		t.Errorf("first publish wrong: %q on %q", got[0].data, got[0].subject)
	}
	if string(got[1].data) != "batch-2" {
		t.Errorf("second publish wrong: %q", got[1].data)
	}
	if !bus.Connected() {
		t.Error("pitcher should have lazily connected")
	}
}

func TestPitcher_DropsWhenBusUnavailable(t *testing.T) {
	bus := &fakeBus{connectErr: errors.New("refused")}
	p := NewPitcher(bus, "telemetry.batches", 0, 8, zap.NewNop())
	in, stop := runPitcher(t, p)
	defer stop()

	in <- []byte("lost")
	// Recovery: bus comes back, next batch must go through.
	waitFor(t, func() bool { return len(in) == 0 })
	bus.mu.Lock()
	bus.connectErr = nil
	bus.mu.Unlock()

	in <- []byte("kept")
	waitFor(t, func() bool { return len(bus.snapshot()) == 1 })
	if got := bus.snapshot(); string(got[0].data) != "kept" {
		t.Errorf("expected only the post-recovery batch, got %q", got[0].data)
	}
}

func TestPitcher_IgnoresNonPayloadInput(t *testing.T) {
	bus := &fakeBus{}
	p := NewPitcher(bus, "telemetry.batches", 0, 8, zap.NewNop())
	in, stop := runPitcher(t, p)
	defer stop()

	in <- 42
	in <- []byte("ok")

	waitFor(t, func() bool { return len(bus.snapshot()) == 1 })
	if got := bus.snapshot(); string(got[0].data) != "ok" {
		t.Errorf("unexpected publish %q", got[0].data)
	}
}

func TestCommandSubscriber_BridgesToIngress(t *testing.T) {
	bus := &fakeBus{}
	ingress := make(chan mesh.Indication, 4)
	sub := NewCommandSubscriber(bus, "daq.commands", ingress, zap.NewNop())

	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("starting subscriber: %v", err)
	}
	if !bus.Connected() {
		t.Error("subscriber should connect the bus")
	}

	bus.deliver("daq.commands", []byte(`request`))

	select {
	case ind := <-ingress:
		if ind.Kind != mesh.CommandRequest {
			t.Errorf("expected kind %q, got %q", mesh.CommandRequest, ind.Kind)
		}
		if ind.Gateway != "bus" {
			t.Errorf("expected gateway bus, got %q", ind.Gateway)
		}
		if string(ind.Body) != "request" || ind.Length != len("request") {
			t.Errorf("body mangled: %q (len %d)", ind.Body, ind.Length)
		}
		if ind.ReceivedOn.IsZero() {
			t.Error("receivedOn not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("command request never reached ingress")
	}
}

func TestCommandSubscriber_DropsWhenIngressFull(t *testing.T) {
	bus := &fakeBus{}
	ingress := make(chan mesh.Indication, 1)
	sub := NewCommandSubscriber(bus, "daq.commands", ingress, zap.NewNop())
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("starting subscriber: %v", err)
	}

	// Second delivery must not block the bus callback.
	done := make(chan struct{})
	go func() {
		bus.deliver("daq.commands", []byte("a"))
		bus.deliver("daq.commands", []byte("b"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber callback blocked on full ingress")
	}
	if len(ingress) != 1 {
		t.Errorf("expected 1 queued request, got %d", len(ingress))
	}
}
