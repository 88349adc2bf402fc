// Package mux implements the per-connection request multiplexer: two maps
// keyed by ClientRequestId — a single-shot completion slot per in-flight
// request, and a multi-shot sink per long-lived subscription — plus the
// routing rule that decides, for each inbound frame, which map (if
// either) it belongs to.
package mux

import (
	"sync"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/wire"
)

// Result is what a pending request resolves to: either a response body or
// a terminal error (e.g. connection closed).
type Result struct {
	Body wire.Body
	Err  error
}

// StreamItem is a single message delivered to a listener after its
// subscribe request was acknowledged.
type StreamItem struct {
	Body wire.Body
	Err  error // non-nil only on terminal delivery (listener torn down)
}

type pendingEntry struct {
	ch chan Result
}

type listeningEntry struct {
	sink        chan StreamItem
	pendingAck  *pendingEntry // the subscribe call's own completion slot, if still open
}

// Multiplexer owns the pending and listening maps for one connection. It
// has no knowledge of the underlying transport; Route is called by the
// connection's read loop for every decoded frame.
type Multiplexer struct {
	mu        sync.Mutex
	pending   map[ids.ClientRequestId]*pendingEntry
	listening map[ids.ClientRequestId]*listeningEntry
}

// New returns an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		pending:   make(map[ids.ClientRequestId]*pendingEntry),
		listening: make(map[ids.ClientRequestId]*listeningEntry),
	}
}

// NewPending registers id as awaiting a single response and returns the
// channel that will receive it (buffered 1, so Route never blocks on a
// slow or abandoned caller).
func (m *Multiplexer) NewPending(id ids.ClientRequestId) <-chan Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Result, 1)
	m.pending[id] = &pendingEntry{ch: ch}
	return ch
}

// NewListener registers id as a long-lived subscription and returns the
// sink that will receive streamed items. subscribeAckWanted should be true
// for the request that establishes the subscription (it is simultaneously
// pending its own ack and listening for future stream items); other
// internal callers (e.g. tests) can pass false.
func (m *Multiplexer) NewListener(id ids.ClientRequestId, subscribeAckWanted bool) (<-chan Result, <-chan StreamItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := &listeningEntry{sink: make(chan StreamItem, 128)}
	var ackCh chan Result
	if subscribeAckWanted {
		ackCh = make(chan Result, 1)
		entry.pendingAck = &pendingEntry{ch: ackCh}
	}
	m.listening[id] = entry
	return ackCh, entry.sink
}

// StopListening removes id from the listening map, e.g. after the client
// sends StopListening and the server ack's it, or on teardown. Returns
// false if id was not a listener.
func (m *Multiplexer) StopListening(id ids.ClientRequestId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.listening[id]
	if !ok {
		return false
	}
	delete(m.listening, id)
	close(entry.sink)
	return true
}

// Route applies the routing rule to one inbound frame. It returns
// true if the frame matched a pending or listening entry this Multiplexer
// owns, false otherwise — a connection's read loop uses the false case to
// recognize inbound requests it did not itself initiate (the server side
// of a connection, dispatching the client's requests) rather than silently
// dropping them as orphaned responses.
func (m *Multiplexer) Route(frame wire.Frame) bool {
	if frame.RequestID.IsNil() {
		// Unsolicited heartbeat response. Anything other than Pong is
		// logged and dropped by the caller (the raw connection owns
		// logging); mux itself has nothing to route it to.
		return false
	}

	m.mu.Lock()
	if entry, ok := m.listening[frame.RequestID]; ok {
		switch body := frame.Body.(type) {
		case wire.MlsMessage:
			m.mu.Unlock()
			trySend(entry.sink, StreamItem{Body: body})
			return true
		case wire.Ok:
			// Subscribe acknowledged: complete the paired pending entry
			// without removing the listener.
			ack := entry.pendingAck
			entry.pendingAck = nil
			m.mu.Unlock()
			if ack != nil {
				ack.ch <- Result{Body: body}
			}
			return true
		case wire.ListenStarted:
			ack := entry.pendingAck
			entry.pendingAck = nil
			m.mu.Unlock()
			if ack != nil {
				ack.ch <- Result{Body: body}
			}
			return true
		default:
			// Any other body terminates the listener.
			delete(m.listening, frame.RequestID)
			ack := entry.pendingAck
			m.mu.Unlock()
			if ack != nil {
				ack.ch <- Result{Body: body}
			}
			trySend(entry.sink, StreamItem{Body: body})
			close(entry.sink)
			return true
		}
	}

	if entry, ok := m.pending[frame.RequestID]; ok {
		delete(m.pending, frame.RequestID)
		m.mu.Unlock()
		entry.ch <- Result{Body: frame.Body}
		return true
	}
	m.mu.Unlock()
	return false
}

// CancelAll completes every pending request and closes every listener
// sink with err, e.g. when the underlying connection closes.
func (m *Multiplexer) CancelAll(err error) {
	m.mu.Lock()
	pending := m.pending
	listening := m.listening
	m.pending = make(map[ids.ClientRequestId]*pendingEntry)
	m.listening = make(map[ids.ClientRequestId]*listeningEntry)
	m.mu.Unlock()

	for _, entry := range pending {
		entry.ch <- Result{Err: err}
	}
	for _, entry := range listening {
		if entry.pendingAck != nil {
			entry.pendingAck.ch <- Result{Err: err}
		}
		trySend(entry.sink, StreamItem{Err: err})
		close(entry.sink)
	}
}

func trySend(sink chan StreamItem, item StreamItem) {
	select {
	case sink <- item:
	default:
		// Bounded buffer overflow: the subscriber can always refetch via
		// RetrieveQueue with its last seen stamp.
	}
}
