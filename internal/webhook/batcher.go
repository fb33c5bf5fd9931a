package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/relay/internal/relay"
)

// batcher collects webhook deliveries per conversation and hands them to
// the coordinator once the conversation has been quiet for wait, so a burst
// of user messages becomes one AI turn.
type batcher struct {
	handler relay.BatchHandler
	wait    time.Duration

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  bool
	wg      sync.WaitGroup // one per pending or running batch
}

type pendingBatch struct {
	conversationID string
	events         []relay.InboundEvent
	seen           map[string]bool
	timer          *time.Timer
}

func newBatcher(handler relay.BatchHandler, wait time.Duration) *batcher {
	return &batcher{handler: handler, wait: wait, pending: make(map[string]*pendingBatch)}
}

// add queues evs for conversationID. It returns false once the batcher is
// closed.
func (b *batcher) add(conversationID string, evs []relay.InboundEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	if b.wait <= 0 {
		p := &pendingBatch{conversationID: conversationID, events: evs}
		b.wg.Add(1)
		go b.dispatch(p)
		return true
	}

	p := b.pending[conversationID]
	if p != nil && !p.timer.Stop() {
		// Already firing; start a fresh batch.
		p = nil
	}
	if p == nil {
		np := &pendingBatch{conversationID: conversationID, seen: make(map[string]bool)}
		b.pending[conversationID] = np
		b.wg.Add(1)
		np.timer = time.AfterFunc(b.wait, func() { b.fire(np) })
		p = np
	} else {
		p.timer.Reset(b.wait)
	}
	for _, ev := range evs {
		if ev.MessageID != "" {
			if p.seen[ev.MessageID] {
				continue
			}
			p.seen[ev.MessageID] = true
		}
		p.events = append(p.events, ev)
	}
	return true
}

func (b *batcher) fire(p *pendingBatch) {
	b.mu.Lock()
	if b.pending[p.conversationID] == p {
		delete(b.pending, p.conversationID)
	}
	b.mu.Unlock()
	b.dispatch(p)
}

func (b *batcher) dispatch(p *pendingBatch) {
	defer b.wg.Done()
	b.handler.HandleBatch(context.Background(), p.conversationID, p.events)
}

// flush dispatches every pending batch without waiting for its timer.
func (b *batcher) flush() {
	b.mu.Lock()
	var ready []*pendingBatch
	for id, p := range b.pending {
		if p.timer.Stop() {
			ready = append(ready, p)
		}
		delete(b.pending, id)
	}
	b.mu.Unlock()
	for _, p := range ready {
		go b.dispatch(p)
	}
}

// drain flushes pending batches and blocks until every dispatch has
// returned. Callers must not add concurrently unless the batcher is closed.
func (b *batcher) drain() {
	b.flush()
	b.wg.Wait()
}

// close stops accepting deliveries, then drains.
func (b *batcher) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.drain()
}
