// Package nodeid generates the monotonic, time-ordered 128-bit node
// identifiers required by §3 ("Identity is a globally unique, time-ordered
// identifier").
package nodeid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// IDs are 128-bit values: a 48-bit millisecond timestamp, a 16-bit
// per-millisecond sequence counter and 64 bits of randomness, rendered as 32
// lowercase hex characters. Lexical ordering of the rendered
// string matches creation order for IDs minted in the same millisecond or
// later, which is sufficient for the store's insertion-order tie-breaks.
type generator struct {
	mu   sync.Mutex
	last int64
	seq  uint16
}

var global = &generator{}

// New mints a new ID using the process-wide generator.
func New() string {
	return global.next()
}

func (g *generator) next() string {
	g.mu.Lock()
	now := time.Now().UnixMilli()
	if now == g.last {
		g.seq++
	} else {
		g.last = now
		g.seq = 0
	}
	seq := g.seq
	g.mu.Unlock()

	var rnd [8]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		// crypto/rand failing is a fatal environment problem; fall back to the
		// sequence counter so IDs stay unique within a process.
		binary.BigEndian.PutUint16(rnd[6:], seq)
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(now)<<16|uint64(seq))
	copy(buf[8:], rnd[:])

	return fmt.Sprintf("%032x", buf)
}
