package mux_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/mux"
	"github.com/licks-chat/licks/internal/wire"
)

func TestPendingDeliveredAndRemoved(t *testing.T) {
	m := mux.New()
	id := ids.NewClientRequestId()
	respCh := m.NewPending(id)

	m.Route(wire.Frame{RequestID: id, Body: wire.Ok{}})

	select {
	case res := <-respCh:
		require.NoError(t, res.Err)
		require.Equal(t, wire.Ok{}, res.Body)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending response")
	}

	// Routing again for the same id is now an orphaned response; it must
	// not panic or block.
	m.Route(wire.Frame{RequestID: id, Body: wire.Ok{}})
}

func TestListenerReceivesStreamAndSurvivesOk(t *testing.T) {
	m := mux.New()
	id := ids.NewClientRequestId()
	ackCh, sink := m.NewListener(id, true)

	m.Route(wire.Frame{RequestID: id, Body: wire.Ok{}})
	select {
	case res := <-ackCh:
		require.Equal(t, wire.Ok{}, res.Body)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribe ack")
	}

	m.Route(wire.Frame{RequestID: id, Body: wire.MlsMessage{Ciphertext: []byte("a")}})
	m.Route(wire.Frame{RequestID: id, Body: wire.MlsMessage{Ciphertext: []byte("b")}})

	first := <-sink
	require.Equal(t, []byte("a"), first.Body.(wire.MlsMessage).Ciphertext)
	second := <-sink
	require.Equal(t, []byte("b"), second.Body.(wire.MlsMessage).Ciphertext)

	ok := m.StopListening(id)
	require.True(t, ok)
	_, stillOpen := <-sink
	require.False(t, stillOpen)
}

func TestUnexpectedBodyTerminatesListener(t *testing.T) {
	m := mux.New()
	id := ids.NewClientRequestId()
	_, sink := m.NewListener(id, false)

	m.Route(wire.Frame{RequestID: id, Body: wire.Error{Kind: wire.ErrInternalError}})

	item := <-sink
	require.Equal(t, wire.Error{Kind: wire.ErrInternalError}, item.Body)
	_, stillOpen := <-sink
	require.False(t, stillOpen)
}

func TestCancelAllCompletesEverything(t *testing.T) {
	m := mux.New()
	pendingID := ids.NewClientRequestId()
	listenID := ids.NewClientRequestId()

	respCh := m.NewPending(pendingID)
	_, sink := m.NewListener(listenID, false)

	closeErr := errors.New("receive_connection_closed")
	m.CancelAll(closeErr)

	res := <-respCh
	require.ErrorIs(t, res.Err, closeErr)

	item := <-sink
	require.ErrorIs(t, item.Err, closeErr)
}

func TestNilRequestIDIsNotRouted(t *testing.T) {
	m := mux.New()
	// Must not panic: nil id frames are heartbeats, handled by the caller.
	m.Route(wire.Frame{RequestID: ids.ClientRequestId{}, Body: wire.Pong{}})
}
