// Package egress connects the pipeline to the message buses: drivers
// for NATS and Kafka behind one interface, the Pitcher stage that
// publishes batches, and the subscriber that feeds bus command
// requests back into ingress.
package egress

import "context"

// Handler receives one inbound message from a subscription.
type Handler func(subject string, data []byte)

// Bus abstracts a pub/sub client. Connect is lazy and safe to retry;
// Publish and Subscribe require a prior successful Connect.
type Bus interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, h Handler) error
	Connected() bool
	Close()
}
