package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sunfield/mesh-daq/internal/metrics"
	"github.com/sunfield/mesh-daq/internal/telemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// EncodeStage serializes each record to BSON before batching. Already
// encoded documents pass through untouched so a deployment can feed
// the batcher pre-encoded payloads directly.
type EncodeStage struct {
	Base
}

func NewEncodeStage(queueSize int, log *zap.Logger) *EncodeStage {
	return &EncodeStage{Base: NewBase("encode", RoleCompiler, queueSize, log)}
}

func (s *EncodeStage) Run(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Heartbeat()
		case item, ok := <-s.In():
			if !ok {
				return
			}
			s.Heartbeat()
			doc, err := s.encode(item)
			if err != nil {
				s.Logger().Warn("dropping unencodable item", zap.Error(err))
				metrics.RecordsTotal.WithLabelValues("encode_dropped").Inc()
				continue
			}
			if !s.Emit(ctx, doc) {
				return
			}
			metrics.RecordsTotal.WithLabelValues("encoded").Inc()
		}
	}
}

func (s *EncodeStage) encode(item any) (bson.Raw, error) {
	switch v := item.(type) {
	case *telemetry.Record:
		doc, err := bson.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encoding record: %w", err)
		}
		return bson.Raw(doc), nil
	case telemetry.Record:
		doc, err := bson.Marshal(&v)
		if err != nil {
			return nil, fmt.Errorf("pipeline: encoding record: %w", err)
		}
		return bson.Raw(doc), nil
	case bson.Raw:
		return v, nil
	case []byte:
		return bson.Raw(v), nil
	default:
		return nil, fmt.Errorf("pipeline: unexpected item type %T", item)
	}
}
