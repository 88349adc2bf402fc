package listener_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/listener"
	"github.com/licks-chat/licks/internal/mls"
	"github.com/licks-chat/licks/internal/mux"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
)

// fakeEngine is a hand-controlled mls.Engine: "advance" ciphertexts bump
// the epoch and report a commit, "app" ciphertexts report an application
// message, anything else is ignored.
type fakeEngine struct {
	mu            sync.Mutex
	epoch         uint64
	secretByEpoch map[uint64][]byte
}

func (f *fakeEngine) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeEngine) DeriveGroupSecret() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secretByEpoch[f.epoch]
}

func (f *fakeEngine) Process(ciphertext []byte) (mls.Event, error) {
	switch string(ciphertext) {
	case "advance":
		f.mu.Lock()
		f.epoch++
		f.mu.Unlock()
		return mls.Event{Kind: mls.EventCommit}, nil
	case "app":
		return mls.Event{Kind: mls.EventApplication, Payload: []byte("hi")}, nil
	default:
		return mls.Event{Kind: mls.EventIgnore}, nil
	}
}

func (f *fakeEngine) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (f *fakeEngine) ProposeAdd(keyPackage []byte) error       { return nil }
func (f *fakeEngine) Commit() ([]byte, error)                  { return nil, nil }

type subCall struct {
	id   ids.ClientRequestId
	ch   chan mux.StreamItem
	body wire.SubscribeToAddress
}

type fakeConn struct {
	mu        sync.Mutex
	subCalls  []*subCall
	stopCalls []wire.StopListening
}

func (f *fakeConn) Subscribe(ctx context.Context, body wire.Body) (wire.Body, <-chan mux.StreamItem, ids.ClientRequestId, error) {
	sa := body.(wire.SubscribeToAddress)
	id := ids.NewClientRequestId()
	ch := make(chan mux.StreamItem, 10)
	f.mu.Lock()
	f.subCalls = append(f.subCalls, &subCall{id: id, ch: ch, body: sa})
	f.mu.Unlock()
	listenerID, err := ids.NewListenerId()
	if err != nil {
		return nil, nil, id, err
	}
	return wire.ListenStarted{ListenerID: listenerID}, ch, id, nil
}

func (f *fakeConn) Request(ctx context.Context, body wire.Body) (wire.Body, error) {
	if sl, ok := body.(wire.StopListening); ok {
		f.mu.Lock()
		f.stopCalls = append(f.stopCalls, sl)
		f.mu.Unlock()
	}
	return wire.Ok{}, nil
}

func (f *fakeConn) subCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subCalls)
}

func (f *fakeConn) firstStream() chan mux.StreamItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCalls[0].ch
}

func TestListenerRotatesOnCommitAndDeliversApplication(t *testing.T) {
	engine := &fakeEngine{secretByEpoch: map[uint64][]byte{
		0: []byte("epoch-0-secret-material"),
		1: []byte("epoch-1-secret-material"),
	}}
	conn := &fakeConn{}

	var delivered []mls.Event
	var mu sync.Mutex
	l := listener.New(conn, xcrypto.Default, engine, ids.NewGroupIdentifier(), listener.Callbacks{
		OnApplication: func(ev mls.Event) {
			mu.Lock()
			delivered = append(delivered, ev)
			mu.Unlock()
		},
	}, zerolog.Nop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return conn.subCallCount() == 1 }, time.Second, 5*time.Millisecond)

	first := conn.firstStream()
	first <- mux.StreamItem{Body: wire.MlsMessage{Ciphertext: []byte("app")}}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)

	first <- mux.StreamItem{Body: wire.MlsMessage{Ciphertext: []byte("advance")}}
	require.Eventually(t, func() bool { return conn.subCallCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), engine.Epoch())

	l.Stop(context.Background())
	require.Len(t, conn.stopCalls, 2)
}

// TestListenerRotateAfterSelfCommit covers the path handleFrame never
// reaches: a caller (the member that itself drove engine.Commit) asking
// the listener to subscribe to the new epoch directly, rather than
// discovering it from an incoming ciphertext.
func TestListenerRotateAfterSelfCommit(t *testing.T) {
	engine := &fakeEngine{secretByEpoch: map[uint64][]byte{
		0: []byte("epoch-0-secret-material"),
		1: []byte("epoch-1-secret-material"),
	}}
	conn := &fakeConn{}

	l := listener.New(conn, xcrypto.Default, engine, ids.NewGroupIdentifier(), listener.Callbacks{}, zerolog.Nop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return conn.subCallCount() == 1 }, time.Second, 5*time.Millisecond)

	engine.mu.Lock()
	engine.epoch = 1
	engine.mu.Unlock()

	require.NoError(t, l.Rotate(context.Background()))
	require.Eventually(t, func() bool { return conn.subCallCount() == 2 }, time.Second, 5*time.Millisecond)

	l.Stop(context.Background())
	require.Len(t, conn.stopCalls, 2)
}
