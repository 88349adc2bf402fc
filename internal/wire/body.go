// Package wire defines the Frame envelope and the tagged union of message
// bodies that flow over every licks connection. A Frame is CBOR-encoded
// as {request_id, tag, payload}; the explicit tag plus a raw payload lets
// the decoder pick the concrete body type before unmarshaling.
package wire

import (
	"fmt"

	"github.com/licks-chat/licks/internal/ids"
)

// Tag identifies which concrete Body type a Frame's payload decodes to.
type Tag uint16

const (
	TagPing Tag = iota + 1
	TagPong
	TagIgnore
	TagBye
	TagOk
	TagError

	TagGetChallenge
	TagChallenge
	TagChallengeResponse

	TagRegistrationStage1
	TagRegistrationStage1Response
	TagRegistrationStage2
	TagRegistrationStage3

	TagGetKeyPackage
	TagHereIsKeyPackage
	TagNoKeyPackage

	TagGetAccountFromUsername
	TagHereIsAccount
	TagNoAccount

	TagSendMessage
	TagDelivered
	TagRetrieveQueue
	TagMlsMessage
	TagQueueDone
	TagQueueEmpty
	TagSubscribeToAddress
	TagListenStarted
	TagStopListening

	TagSetUsername
	TagUsernameIsAlreadyYours
	TagUsernameIsAlreadyTaken
	TagRemoveUsername
	TagUploadKeyPackages
	TagKeyPackageAlreadyUploaded
)

// Body is implemented by every concrete message body. Tag identifies the
// variant for encoding; the CBOR struct tags on each type carry the
// payload fields.
type Body interface {
	Tag() Tag
}

// ---- control ----

type Ping struct{ Payload [2]byte `cbor:"1,keyasint"` }
type Pong struct{ Payload [2]byte `cbor:"1,keyasint"` }
type Ignore struct{}
type Bye struct{}
type Ok struct{}

// ErrorKind enumerates the service error kinds carried on the wire.
type ErrorKind uint8

const (
	ErrInvalidRequest ErrorKind = iota
	ErrInvalidCredentials
	ErrInvalidOperation
	ErrDecodeError
	ErrInternalError
	ErrConnectionIsClosed
	ErrUnknownError
)

type Error struct {
	Kind ErrorKind `cbor:"1,keyasint"`
}

func (Ping) Tag() Tag   { return TagPing }
func (Pong) Tag() Tag   { return TagPong }
func (Ignore) Tag() Tag { return TagIgnore }
func (Bye) Tag() Tag    { return TagBye }
func (Ok) Tag() Tag     { return TagOk }
func (Error) Tag() Tag  { return TagError }

// ---- handshake ----

type GetChallenge struct{}

type Challenge struct {
	ServerNonce [32]byte `cbor:"1,keyasint"`
}

type ChallengeResponse struct {
	Chain       []byte   `cbor:"1,keyasint"` // serialized cert.Chain
	ClientNonce [32]byte `cbor:"2,keyasint"`
	Signature   []byte   `cbor:"3,keyasint"`
}

func (GetChallenge) Tag() Tag      { return TagGetChallenge }
func (Challenge) Tag() Tag         { return TagChallenge }
func (ChallengeResponse) Tag() Tag { return TagChallengeResponse }

// ---- registration (unauthenticated) ----

type RegistrationStage1 struct {
	AccountPublicKey []byte `cbor:"1,keyasint"`
}

type RegistrationStage1Response struct {
	AccountID ids.AccountId `cbor:"1,keyasint"`
}

type RegistrationStage2 struct {
	SerializedAccountCert []byte `cbor:"1,keyasint"`
}

type RegistrationStage3 struct {
	Chain        []byte   `cbor:"1,keyasint"` // serialized cert.Chain
	UsernameHash [32]byte `cbor:"2,keyasint"`
}

func (RegistrationStage1) Tag() Tag         { return TagRegistrationStage1 }
func (RegistrationStage1Response) Tag() Tag { return TagRegistrationStage1Response }
func (RegistrationStage2) Tag() Tag         { return TagRegistrationStage2 }
func (RegistrationStage3) Tag() Tag         { return TagRegistrationStage3 }

// ---- directory ----

type GetKeyPackage struct {
	AccountID ids.AccountId `cbor:"1,keyasint"`
}

type HereIsKeyPackage struct {
	KeyPackage []byte `cbor:"1,keyasint"`
}

type NoKeyPackage struct{}

type GetAccountFromUsername struct {
	UsernameHash [32]byte `cbor:"1,keyasint"`
}

type HereIsAccount struct {
	AccountID ids.AccountId `cbor:"1,keyasint"`
}

type NoAccount struct{}

func (GetKeyPackage) Tag() Tag          { return TagGetKeyPackage }
func (HereIsKeyPackage) Tag() Tag       { return TagHereIsKeyPackage }
func (NoKeyPackage) Tag() Tag           { return TagNoKeyPackage }
func (GetAccountFromUsername) Tag() Tag { return TagGetAccountFromUsername }
func (HereIsAccount) Tag() Tag          { return TagHereIsAccount }
func (NoAccount) Tag() Tag              { return TagNoAccount }

// ---- relay (chat service) ----

type SendMessage struct {
	Secret     [32]byte `cbor:"1,keyasint"`
	PublicTag  [32]byte `cbor:"2,keyasint"`
	Ciphertext []byte   `cbor:"3,keyasint"`
}

type Delivered struct {
	Stamp ids.DeliveryStamp `cbor:"1,keyasint"`
}

type RetrieveQueue struct {
	PublicTag  [32]byte          `cbor:"1,keyasint"`
	AfterStamp ids.DeliveryStamp `cbor:"2,keyasint"`
}

type MlsMessage struct {
	Stamp      ids.DeliveryStamp `cbor:"1,keyasint"`
	Ciphertext []byte            `cbor:"2,keyasint"`
}

type QueueDone struct {
	Count int `cbor:"1,keyasint"`
}

type QueueEmpty struct{}

type SubscribeToAddress struct {
	ListenerCommitment [32]byte `cbor:"1,keyasint"`
	PublicTag          [32]byte `cbor:"2,keyasint"`
}

type ListenStarted struct {
	ListenerID ids.ListenerId `cbor:"1,keyasint"`
}

type StopListening struct {
	ListenerID ids.ListenerId `cbor:"1,keyasint"`
	Token      [32]byte       `cbor:"2,keyasint"`
}

func (SendMessage) Tag() Tag        { return TagSendMessage }
func (Delivered) Tag() Tag          { return TagDelivered }
func (RetrieveQueue) Tag() Tag      { return TagRetrieveQueue }
func (MlsMessage) Tag() Tag         { return TagMlsMessage }
func (QueueDone) Tag() Tag          { return TagQueueDone }
func (QueueEmpty) Tag() Tag         { return TagQueueEmpty }
func (SubscribeToAddress) Tag() Tag { return TagSubscribeToAddress }
func (ListenStarted) Tag() Tag      { return TagListenStarted }
func (StopListening) Tag() Tag      { return TagStopListening }

// ---- authenticated ----

type SetUsername struct {
	UsernameHash [32]byte `cbor:"1,keyasint"`
}

type UsernameIsAlreadyYours struct{}
type UsernameIsAlreadyTaken struct{}

type RemoveUsername struct {
	UsernameHash [32]byte `cbor:"1,keyasint"`
}

type UploadKeyPackages struct {
	KeyPackages [][]byte `cbor:"1,keyasint"`
}

type KeyPackageAlreadyUploaded struct{}

func (SetUsername) Tag() Tag               { return TagSetUsername }
func (UsernameIsAlreadyYours) Tag() Tag    { return TagUsernameIsAlreadyYours }
func (UsernameIsAlreadyTaken) Tag() Tag    { return TagUsernameIsAlreadyTaken }
func (RemoveUsername) Tag() Tag            { return TagRemoveUsername }
func (UploadKeyPackages) Tag() Tag         { return TagUploadKeyPackages }
func (KeyPackageAlreadyUploaded) Tag() Tag { return TagKeyPackageAlreadyUploaded }

// bodyForTag returns a zero-value pointer to the concrete Body type for tag,
// used by Frame decoding to know what to CBOR-unmarshal the payload into.
func bodyForTag(tag Tag) (Body, error) {
	switch tag {
	case TagPing:
		return &Ping{}, nil
	case TagPong:
		return &Pong{}, nil
	case TagIgnore:
		return &Ignore{}, nil
	case TagBye:
		return &Bye{}, nil
	case TagOk:
		return &Ok{}, nil
	case TagError:
		return &Error{}, nil
	case TagGetChallenge:
		return &GetChallenge{}, nil
	case TagChallenge:
		return &Challenge{}, nil
	case TagChallengeResponse:
		return &ChallengeResponse{}, nil
	case TagRegistrationStage1:
		return &RegistrationStage1{}, nil
	case TagRegistrationStage1Response:
		return &RegistrationStage1Response{}, nil
	case TagRegistrationStage2:
		return &RegistrationStage2{}, nil
	case TagRegistrationStage3:
		return &RegistrationStage3{}, nil
	case TagGetKeyPackage:
		return &GetKeyPackage{}, nil
	case TagHereIsKeyPackage:
		return &HereIsKeyPackage{}, nil
	case TagNoKeyPackage:
		return &NoKeyPackage{}, nil
	case TagGetAccountFromUsername:
		return &GetAccountFromUsername{}, nil
	case TagHereIsAccount:
		return &HereIsAccount{}, nil
	case TagNoAccount:
		return &NoAccount{}, nil
	case TagSendMessage:
		return &SendMessage{}, nil
	case TagDelivered:
		return &Delivered{}, nil
	case TagRetrieveQueue:
		return &RetrieveQueue{}, nil
	case TagMlsMessage:
		return &MlsMessage{}, nil
	case TagQueueDone:
		return &QueueDone{}, nil
	case TagQueueEmpty:
		return &QueueEmpty{}, nil
	case TagSubscribeToAddress:
		return &SubscribeToAddress{}, nil
	case TagListenStarted:
		return &ListenStarted{}, nil
	case TagStopListening:
		return &StopListening{}, nil
	case TagSetUsername:
		return &SetUsername{}, nil
	case TagUsernameIsAlreadyYours:
		return &UsernameIsAlreadyYours{}, nil
	case TagUsernameIsAlreadyTaken:
		return &UsernameIsAlreadyTaken{}, nil
	case TagRemoveUsername:
		return &RemoveUsername{}, nil
	case TagUploadKeyPackages:
		return &UploadKeyPackages{}, nil
	case TagKeyPackageAlreadyUploaded:
		return &KeyPackageAlreadyUploaded{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown body tag %d", tag)
	}
}
