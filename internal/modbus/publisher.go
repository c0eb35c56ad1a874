package modbus

import (
	"sync"
	"sync/atomic"
)

// Publisher is a bounded result channel shared by every session. When the
// consumer falls behind, the publishing device's own oldest buffered set is
// discarded; each set is a full snapshot, so only the newest matters. A set
// of another device is only discarded when the publisher has none buffered.
type Publisher struct {
	ch      chan ResultSet
	mu      sync.Mutex
	dropped atomic.Uint64
	onDrop  func()
}

// NotifyDrop registers fn to be called for every discarded set. Call before
// the first Publish.
func (p *Publisher) NotifyDrop(fn func()) {
	p.onDrop = fn
}

func NewPublisher(size int) *Publisher {
	if size < 1 {
		size = 1
	}
	return &Publisher{ch: make(chan ResultSet, size)}
}

// Publish never blocks. It reports false when an older set was discarded to
// make room.
func (p *Publisher) Publish(rs ResultSet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case p.ch <- rs:
		return true
	default:
	}

	// Only Publish sends, so everything drained here fits back in.
	pending := make([]ResultSet, 0, cap(p.ch))
drain:
	for {
		select {
		case old := <-p.ch:
			pending = append(pending, old)
		default:
			break drain
		}
	}

	delivered := true
	if len(pending) == cap(p.ch) {
		victim := 0
		for i, old := range pending {
			if old.DeviceID == rs.DeviceID {
				victim = i
				break
			}
		}
		pending = append(pending[:victim], pending[victim+1:]...)
		p.dropped.Add(1)
		delivered = false
		if p.onDrop != nil {
			p.onDrop()
		}
	}
	for _, old := range pending {
		p.ch <- old
	}
	p.ch <- rs
	return delivered
}

func (p *Publisher) C() <-chan ResultSet {
	return p.ch
}

// Dropped counts discarded result sets since creation.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}
