// Package ids defines the 16-byte identifier types used throughout licks:
// account, device and group identifiers, the server-assigned delivery
// stamp, and the server-assigned listener id.
package ids

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
)

// AccountId identifies an account, chosen at random (UUIDv4) by the server
// during registration stage 1.
type AccountId [16]byte

// DeviceId identifies a single device enrolled under an account, chosen at
// random (UUIDv4) by the client during registration stage 3.
type DeviceId [16]byte

// GroupIdentifier identifies a group, chosen at random (UUIDv4) by the
// creating client. SelfGroup is the reserved sentinel for a single-member
// personal-notes group.
type GroupIdentifier [16]byte

// SelfGroup is the all-ones UUID reserved for a client's personal-notes
// group: a group with exactly one member, the owner.
var SelfGroup = GroupIdentifier(uuid.Must(uuid.Parse("ffffffff-ffff-ffff-ffff-ffffffffffff")))

// DeliveryStamp is a UUIDv7: a big-endian millisecond timestamp plus
// randomness. Lexicographic byte comparison gives a total order that is
// monotonically nondecreasing in receive time.
type DeliveryStamp [16]byte

// ListenerId is minted by the server on each successful SubscribeToAddress.
type ListenerId [16]byte

// ClientRequestId correlates a response to the request that produced it.
// The nil id is reserved for unsolicited server frames (heartbeats).
type ClientRequestId [16]byte

func newRandom() [16]byte {
	var out [16]byte
	u := uuid.New()
	copy(out[:], u[:])
	return out
}

// NewAccountId returns a fresh random account id (UUIDv4). The server mints
// these during registration stage 1.
func NewAccountId() AccountId { return AccountId(newRandom()) }

// NewDeviceId returns a fresh random device id (UUIDv4).
func NewDeviceId() DeviceId { return DeviceId(newRandom()) }

// NewGroupIdentifier returns a fresh random group id (UUIDv4).
func NewGroupIdentifier() GroupIdentifier { return GroupIdentifier(newRandom()) }

// NewClientRequestId returns a fresh random request id (UUIDv4). Callers
// must never produce the nil id by accident; NewClientRequestId never
// returns it (astronomically unlikely collision aside).
func NewClientRequestId() ClientRequestId { return ClientRequestId(newRandom()) }

// NewDeliveryStamp returns a fresh UUIDv7 stamp: time-ordered, suitable as
// a per-address monotonic ordering key.
func NewDeliveryStamp() (DeliveryStamp, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return DeliveryStamp{}, err
	}
	var out DeliveryStamp
	copy(out[:], u[:])
	return out, nil
}

// NewListenerId returns a fresh UUIDv7 listener id.
func NewListenerId() (ListenerId, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return ListenerId{}, err
	}
	var out ListenerId
	copy(out[:], u[:])
	return out, nil
}

// IsNil reports whether r is the reserved nil request id.
func (r ClientRequestId) IsNil() bool { return r == ClientRequestId{} }

// Less is the stamps' total order: lexicographic byte comparison.
func (s DeliveryStamp) Less(other DeliveryStamp) bool {
	return bytes.Compare(s[:], other[:]) < 0
}

// Compare returns -1, 0 or 1 following bytes.Compare semantics.
func (s DeliveryStamp) Compare(other DeliveryStamp) int {
	return bytes.Compare(s[:], other[:])
}

func (a AccountId) String() string        { return hex.EncodeToString(a[:]) }
func (d DeviceId) String() string         { return hex.EncodeToString(d[:]) }
func (g GroupIdentifier) String() string  { return hex.EncodeToString(g[:]) }
func (s DeliveryStamp) String() string    { return hex.EncodeToString(s[:]) }
func (l ListenerId) String() string       { return hex.EncodeToString(l[:]) }
func (r ClientRequestId) String() string  { return hex.EncodeToString(r[:]) }
