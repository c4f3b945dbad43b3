package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// joinTimeout bounds how long Stop waits for stage workers to drain
// before abandoning them.
const joinTimeout = 30 * time.Second

// Manager owns a chain of stages, the shared state map, and the
// lifecycle. State map keys follow single-writer discipline: each
// stage writes only its own "<name>.<id>.*" keys; the manager writes
// during Tune. Reads may observe a value one cycle stale, never torn.
type Manager struct {
	mu     sync.Mutex
	state  map[string]any
	stages []Stage

	log     *zap.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		state: make(map[string]any),
		log:   log,
	}
}

// Set stores a shared state value.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	m.state[key] = value
	m.mu.Unlock()
}

// Get reads a shared state value.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.Lock()
	v, ok := m.state[key]
	m.mu.Unlock()
	return v, ok
}

// Tune writes a tunable for every registered stage with the given
// name and reports how many stages matched.
func (m *Manager) Tune(stageName, key string, value any) int {
	n := 0
	for _, s := range m.stages {
		if s.Name() != stageName {
			continue
		}
		m.Set(s.Name()+"."+s.ID()+"."+key, value)
		n++
	}
	return n
}

// Chain registers stages in order and pipes each stage's output into
// the next stage's input. The last stage keeps a nil output (terminal)
// unless a later Chain call extends it.
func (m *Manager) Chain(stages ...Stage) {
	for i, s := range stages {
		s.bind(m)
		if i+1 < len(stages) {
			s.setOut(stages[i+1].In())
		}
		m.stages = append(m.stages, s)
	}
}

// Head returns the first stage's input queue. Producers feed the
// pipeline here; closing it is the stop signal, so producers must be
// stopped before Stop is called.
func (m *Manager) Head() chan any {
	if len(m.stages) == 0 {
		return nil
	}
	return m.stages[0].In()
}

// Start launches one goroutine per stage. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, s := range m.stages {
		m.wg.Add(1)
		go func(s Stage) {
			defer m.wg.Done()
			m.log.Info("stage started",
				zap.String("stage", s.Name()),
				zap.String("id", s.ID()),
				zap.String("role", s.Role().String()),
			)
			s.Run(runCtx)
			// Cascade the drain: tell the next stage its input ended.
			if out := s.Out(); out != nil {
				close(out)
			}
			m.log.Info("stage stopped",
				zap.String("stage", s.Name()),
				zap.String("id", s.ID()),
			)
		}(s)
	}
}

// Stop closes the head queue and waits for the drain to cascade
// through every stage. Workers still running after the join timeout
// are cancelled and abandoned.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	if head := m.Head(); head != nil {
		close(head)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		m.log.Error("stage join timeout, cancelling workers",
			zap.Duration("timeout", joinTimeout))
		if m.cancel != nil {
			m.cancel()
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			m.log.Error("abandoning unresponsive stage workers")
		}
	}

	if m.cancel != nil {
		m.cancel()
	}
}
