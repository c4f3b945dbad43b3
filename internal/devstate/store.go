// Package devstate tracks the most recent record per device type for
// introspection, with an optional Redis mirror, and carries the
// fault-injection switches the emulator reads.
package devstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sunfield/mesh-daq/internal/telemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// FaultNormal is the fault state meaning no fault is injected.
const FaultNormal = "normal"

// Store keeps last-seen records in memory and mirrors them to Redis
// when a client is configured. Redis errors never propagate: the local
// map is authoritative and the mirror is best-effort.
type Store struct {
	mu   sync.RWMutex
	last map[string]*telemetry.Record

	rdb    *redis.Client // nil means local-only
	prefix string
	log    *zap.Logger
}

// New builds a store. rdb may be nil for a local-only store.
func New(rdb *redis.Client, prefix string, log *zap.Logger) *Store {
	return &Store{
		last:   make(map[string]*telemetry.Record),
		rdb:    rdb,
		prefix: prefix,
		log:    log,
	}
}

// Put records the most recent sample for its type.
func (s *Store) Put(ctx context.Context, rec *telemetry.Record) {
	s.mu.Lock()
	s.last[rec.Type] = rec
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	doc, err := bson.MarshalExtJSON(rec, true, false)
	if err != nil {
		s.log.Warn("devstate: record not mirrorable", zap.Error(err))
		return
	}
	if err := s.rdb.HSet(ctx, s.key("last"), rec.Type, string(doc)).Err(); err != nil {
		s.log.Warn("devstate: redis mirror failed", zap.Error(err))
	}
}

// Last returns the most recent record of the given type, local map
// first, falling back to the Redis mirror.
func (s *Store) Last(recordType string) (*telemetry.Record, bool) {
	s.mu.RLock()
	rec, ok := s.last[recordType]
	s.mu.RUnlock()
	if ok {
		return rec, true
	}
	if s.rdb == nil {
		return nil, false
	}
	doc, err := s.rdb.HGet(context.Background(), s.key("last"), recordType).Result()
	if err != nil {
		return nil, false
	}
	var mirrored telemetry.Record
	if err := bson.UnmarshalExtJSON([]byte(doc), true, &mirrored); err != nil {
		s.log.Warn("devstate: mirrored record unreadable", zap.Error(err))
		return nil, false
	}
	return &mirrored, true
}

// Fault reads the injected fault for a monitor; no entry means normal
// operation, as does any Redis failure.
func (s *Store) Fault(ctx context.Context, macaddr string) string {
	if s.rdb == nil {
		return FaultNormal
	}
	v, err := s.rdb.Get(ctx, s.faultKey(macaddr)).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn("devstate: fault lookup failed",
				zap.String("macaddr", macaddr), zap.Error(err))
		}
		return FaultNormal
	}
	return v
}

// SetFault injects a fault state for a monitor.
func (s *Store) SetFault(ctx context.Context, macaddr, fault string) error {
	if s.rdb == nil {
		return fmt.Errorf("devstate: fault injection needs redis")
	}
	return s.rdb.Set(ctx, s.faultKey(macaddr), fault, 0).Err()
}

// ResetFault clears a monitor's injected fault.
func (s *Store) ResetFault(ctx context.Context, macaddr string) error {
	if s.rdb == nil {
		return fmt.Errorf("devstate: fault injection needs redis")
	}
	return s.rdb.Del(ctx, s.faultKey(macaddr)).Err()
}

// Close releases the Redis client if one is configured.
func (s *Store) Close() {
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.Warn("devstate: redis close failed", zap.Error(err))
		}
	}
}

func (s *Store) key(suffix string) string {
	return s.prefix + ":" + suffix
}

func (s *Store) faultKey(macaddr string) string {
	return s.prefix + ":fault_injection:" + macaddr
}
