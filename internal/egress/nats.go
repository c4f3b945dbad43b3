package egress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus is the default driver. Reconnection is left to the client:
// unlimited retries with a short wait, buffering publishes while the
// link is down.
type NATSBus struct {
	url  string
	name string
	log  *zap.Logger

	mu sync.Mutex
	nc *nats.Conn
}

func NewNATSBus(url, name string, log *zap.Logger) *NATSBus {
	return &NATSBus{url: url, name: name, log: log}
}

func (b *NATSBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil && !b.nc.IsClosed() {
		return nil
	}

	nc, err := nats.Connect(b.url,
		nats.Name(b.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("egress: connecting to nats %s: %w", b.url, err)
	}
	b.nc = nc
	b.log.Info("nats connected", zap.String("url", b.url))
	return nil
}

func (b *NATSBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("egress: nats not connected")
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("egress: publishing to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, subject string, h Handler) error {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("egress: nats not connected")
	}
	if _, err := nc.Subscribe(subject, func(m *nats.Msg) {
		h(m.Subject, m.Data)
	}); err != nil {
		return fmt.Errorf("egress: subscribing to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nc != nil && b.nc.IsConnected()
}

func (b *NATSBus) Close() {
	b.mu.Lock()
	nc := b.nc
	b.nc = nil
	b.mu.Unlock()
	if nc == nil {
		return
	}
	// Drain flushes buffered publishes before closing.
	if err := nc.Drain(); err != nil {
		b.log.Warn("nats drain failed", zap.Error(err))
		nc.Close()
	}
}
