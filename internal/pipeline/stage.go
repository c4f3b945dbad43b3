// Package pipeline is the staged handler runtime: bounded queues
// between worker goroutines, a manager that owns lifecycle and the
// shared state map, and the encode/batch stages of the default chain.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/xid"
	"github.com/sunfield/mesh-daq/internal/metrics"
	"go.uber.org/zap"
)

// Role classifies what a stage does to the stream.
type Role int

const (
	RoleGeneric Role = iota
	RoleCompiler
	RoleDecompiler
)

func (r Role) String() string {
	switch r {
	case RoleCompiler:
		return "compiler"
	case RoleDecompiler:
		return "decompiler"
	default:
		return "generic"
	}
}

// Stage is one worker in a chain. Run consumes In until it closes or
// the context is cancelled; the manager closes Out afterwards so the
// drain cascades downstream. Implementations embed Base.
type Stage interface {
	Name() string
	ID() string
	Role() Role
	In() chan any
	Out() chan any
	Run(ctx context.Context)

	setOut(chan any)
	bind(*Manager)
}

// Base carries the queue plumbing every stage shares. The input queue
// is bounded; a full queue blocks the producer, which is the only
// backpressure mechanism in the pipeline.
type Base struct {
	name string
	id   string
	role Role
	in   chan any
	out  chan any
	mgr  *Manager
	log  *zap.Logger
}

// NewBase allocates the plumbing for a named stage. Each instance gets
// a fresh xid so two stages of the same class keep separate state keys.
func NewBase(name string, role Role, queueSize int, log *zap.Logger) Base {
	return Base{
		name: name,
		id:   xid.New().String(),
		role: role,
		in:   make(chan any, queueSize),
		log:  log,
	}
}

func (b *Base) Name() string { return b.name }
func (b *Base) ID() string   { return b.id }
func (b *Base) Role() Role   { return b.role }
func (b *Base) In() chan any { return b.in }

// Out is nil for terminal stages.
func (b *Base) Out() chan any { return b.out }

func (b *Base) setOut(c chan any) { b.out = c }
func (b *Base) bind(m *Manager)   { b.mgr = m }

// Logger returns the stage logger.
func (b *Base) Logger() *zap.Logger { return b.log }

// StateKey namespaces a key to this stage instance:
// "<name>.<id>.<key>".
func (b *Base) StateKey(key string) string {
	return b.name + "." + b.id + "." + key
}

// Heartbeat records liveness once per worker loop so a watchdog can
// tell a stalled stage from an idle one.
func (b *Base) Heartbeat() {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	if b.mgr != nil {
		b.mgr.Set(b.StateKey("heartbeat"), now)
	}
	metrics.StageHeartbeat.WithLabelValues(b.name).Set(now)
}

// Emit sends item downstream, honoring cancellation. Returns false
// when the context ended before the send could complete. Terminal
// stages (nil out) discard silently.
func (b *Base) Emit(ctx context.Context, item any) bool {
	if b.out == nil {
		return true
	}
	select {
	case b.out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Tunable reads a stage-scoped value from the shared state map.
func (b *Base) Tunable(key string) (any, bool) {
	if b.mgr == nil {
		return nil, false
	}
	return b.mgr.Get(b.StateKey(key))
}
