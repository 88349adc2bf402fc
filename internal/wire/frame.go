package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/licks-chat/licks/internal/ids"
)

// Frame is the single message shape exchanged on every connection: a
// correlation id plus a tagged body. request_id is the nil UUID for
// unsolicited server frames (heartbeats).
type Frame struct {
	RequestID ids.ClientRequestId
	Body      Body
}

// wireFrame is the CBOR-level shape: the payload is encoded separately so
// decoding can inspect the tag before picking a concrete type to unmarshal
// the payload into — the idiomatic CBOR substitute for a protobuf oneof.
type wireFrame struct {
	RequestID [16]byte        `cbor:"1,keyasint"`
	Tag       Tag             `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint"`
}

// Encode serializes f to its wire bytes.
func Encode(f Frame) ([]byte, error) {
	payload, err := cbor.Marshal(f.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	wf := wireFrame{RequestID: f.RequestID, Tag: f.Body.Tag(), Payload: payload}
	out, err := cbor.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame: %w", err)
	}
	return out, nil
}

// Decode parses wire bytes into a Frame. Malformed bodies return an error;
// callers should log and drop rather than propagate raw decode failures
// to a remote peer.
func Decode(raw []byte) (Frame, error) {
	var wf wireFrame
	if err := cbor.Unmarshal(raw, &wf); err != nil {
		return Frame{}, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	body, err := bodyForTag(wf.Tag)
	if err != nil {
		return Frame{}, err
	}
	if len(wf.Payload) > 0 {
		if err := cbor.Unmarshal(wf.Payload, body); err != nil {
			return Frame{}, fmt.Errorf("wire: unmarshal payload for tag %d: %w", wf.Tag, err)
		}
	}
	return Frame{RequestID: ids.ClientRequestId(wf.RequestID), Body: derefBody(body)}, nil
}

// derefBody returns the concrete value behind the pointer bodyForTag
// allocated, so callers can type-switch on value types (wire.Ok{}) rather
// than pointer types.
func derefBody(b Body) Body {
	switch v := b.(type) {
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Ignore:
		return *v
	case *Bye:
		return *v
	case *Ok:
		return *v
	case *Error:
		return *v
	case *GetChallenge:
		return *v
	case *Challenge:
		return *v
	case *ChallengeResponse:
		return *v
	case *RegistrationStage1:
		return *v
	case *RegistrationStage1Response:
		return *v
	case *RegistrationStage2:
		return *v
	case *RegistrationStage3:
		return *v
	case *GetKeyPackage:
		return *v
	case *HereIsKeyPackage:
		return *v
	case *NoKeyPackage:
		return *v
	case *GetAccountFromUsername:
		return *v
	case *HereIsAccount:
		return *v
	case *NoAccount:
		return *v
	case *SendMessage:
		return *v
	case *Delivered:
		return *v
	case *RetrieveQueue:
		return *v
	case *MlsMessage:
		return *v
	case *QueueDone:
		return *v
	case *QueueEmpty:
		return *v
	case *SubscribeToAddress:
		return *v
	case *ListenStarted:
		return *v
	case *StopListening:
		return *v
	case *SetUsername:
		return *v
	case *UsernameIsAlreadyYours:
		return *v
	case *UsernameIsAlreadyTaken:
		return *v
	case *RemoveUsername:
		return *v
	case *UploadKeyPackages:
		return *v
	case *KeyPackageAlreadyUploaded:
		return *v
	default:
		return b
	}
}
