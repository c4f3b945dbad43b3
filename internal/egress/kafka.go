package egress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sunfield/mesh-daq/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KafkaBus maps bus subjects straight onto Kafka topics. One client
// produces; Subscribe spins up a separate consumer client per subject
// so group semantics never entangle the producer.
type KafkaBus struct {
	cfg      config.KafkaConfig
	clientID string
	log      *zap.Logger

	mu        sync.Mutex
	producer  *kgo.Client
	consumers []*kgo.Client
	connected atomic.Bool
}

func NewKafkaBus(cfg config.KafkaConfig, log *zap.Logger) *KafkaBus {
	return &KafkaBus{cfg: cfg, clientID: cfg.ClientID, log: log}
}

func (b *KafkaBus) baseOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.clientID),
	}
	tlsCfg, err := b.cfg.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("egress: kafka tls: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := b.cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

func (b *KafkaBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil {
		return nil
	}

	opts, err := b.baseOpts()
	if err != nil {
		return err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("egress: kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("egress: kafka ping: %w", err)
	}

	b.producer = client
	b.connected.Store(true)
	b.log.Info("kafka connected", zap.Strings("brokers", b.cfg.Brokers))
	return nil
}

func (b *KafkaBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	client := b.producer
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("egress: kafka not connected")
	}
	rec := &kgo.Record{Topic: subject, Value: data}
	if err := client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("egress: producing to %s: %w", subject, err)
	}
	return nil
}

// Subscribe consumes the subject's topic in a background goroutine
// until the context ends.
func (b *KafkaBus) Subscribe(ctx context.Context, subject string, h Handler) error {
	opts, err := b.baseOpts()
	if err != nil {
		return err
	}
	opts = append(opts, kgo.ConsumeTopics(subject))
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("egress: kafka consumer for %s: %w", subject, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, client)
	b.mu.Unlock()

	go func() {
		for {
			fetches := client.PollFetches(ctx)
			if ctx.Err() != nil || fetches.IsClientClosed() {
				return
			}
			for _, e := range fetches.Errors() {
				b.log.Error("kafka fetch error",
					zap.String("topic", e.Topic), zap.Error(e.Err))
			}
			fetches.EachRecord(func(r *kgo.Record) {
				h(r.Topic, r.Value)
			})
		}
	}()
	return nil
}

func (b *KafkaBus) Connected() bool {
	return b.connected.Load()
}

func (b *KafkaBus) Close() {
	b.mu.Lock()
	producer := b.producer
	consumers := b.consumers
	b.producer = nil
	b.consumers = nil
	b.mu.Unlock()

	b.connected.Store(false)
	for _, c := range consumers {
		c.Close()
	}
	if producer != nil {
		producer.Close()
	}
}
