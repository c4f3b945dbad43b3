package daq

import (
	"math/rand"
	"sync/atomic"
)

// requestIDs hands out mesh request ids: randomly seeded, atomically
// incremented, wrapping at 65536. Consecutive ids always differ.
type requestIDs struct {
	n atomic.Uint32
}

func (r *requestIDs) seed() {
	r.n.Store(uint32(rand.Intn(1 << 16)))
}

func (r *requestIDs) Next() uint16 {
	return uint16(r.n.Add(1))
}
