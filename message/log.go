package message

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ErikWegner/jqm/id"
)

// MaxChars is the default truncation length (§4.8, engine.maxMessageChars).
const MaxChars = 1000

// Log buffers messages for one instance and flushes them to a Store in
// the order Append was called, off the caller's goroutine.
type Log struct {
	store      Store
	instanceID id.InstanceID
	maxChars   int

	seq   int64
	queue chan *Message

	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewLog starts a Log backed by store for instanceID. maxChars<=0 uses
// MaxChars. Close must be called to drain pending messages.
func NewLog(store Store, instanceID id.InstanceID, maxChars int) *Log {
	if maxChars <= 0 {
		maxChars = MaxChars
	}
	l := &Log{
		store:      store,
		instanceID: instanceID,
		maxChars:   maxChars,
		queue:      make(chan *Message, 64),
	}
	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Append truncates text and enqueues it for ordered, asynchronous
// persistence. Never blocks on the store; may block briefly if the
// internal buffer is full.
func (l *Log) Append(text string) {
	if len(text) > l.maxChars {
		text = text[:l.maxChars]
	}
	seq := atomic.AddInt64(&l.seq, 1)
	l.queue <- &Message{
		ID:         id.NewMessageID(),
		InstanceID: l.instanceID,
		Text:       text,
		Sequence:   int(seq),
	}
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	for m := range l.queue {
		// A store error here is not surfaced to the payload: sendMessage
		// is fire-and-forget by contract (§4.8). Best-effort only.
		_ = l.store.Append(context.Background(), m)
	}
}

// Close stops accepting new messages and blocks until every buffered
// message has been flushed.
func (l *Log) Close() {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.queue)
	l.wg.Wait()
}
