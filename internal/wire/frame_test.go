package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/wire"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []wire.Body{
		wire.Ok{},
		wire.Ping{Payload: [2]byte{0xca, 0xfe}},
		wire.Error{Kind: wire.ErrInvalidCredentials},
		wire.Challenge{ServerNonce: [32]byte{1, 2, 3}},
		wire.SendMessage{Secret: [32]byte{9}, PublicTag: [32]byte{8}, Ciphertext: []byte("hello")},
		wire.QueueDone{Count: 3},
		wire.QueueEmpty{},
	}

	for _, body := range cases {
		reqID := ids.NewClientRequestId()
		raw, err := wire.Encode(wire.Frame{RequestID: reqID, Body: body})
		require.NoError(t, err)

		decoded, err := wire.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, reqID, decoded.RequestID)
		require.Equal(t, body, decoded.Body)
	}
}

func TestDecodeMalformedIsError(t *testing.T) {
	_, err := wire.Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestNilRequestIDReservedForHeartbeats(t *testing.T) {
	var nilID ids.ClientRequestId
	require.True(t, nilID.IsNil())

	raw, err := wire.Encode(wire.Frame{RequestID: nilID, Body: wire.Pong{Payload: [2]byte{1, 1}}})
	require.NoError(t, err)
	decoded, err := wire.Decode(raw)
	require.NoError(t, err)
	require.True(t, decoded.RequestID.IsNil())
}
