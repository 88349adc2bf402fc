package cert

import (
	"encoding/binary"
	"fmt"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/xerr"
)

// Serialize encodes a Chain: length-prefixed account certificate,
// length-prefixed device certificate, length-prefixed link signature. Each
// certificate is encoded as scheme_tag(u16) || len(pubkey) || pubkey ||
// len(sig) || sig || len(ad) || ad, where ad is the account id and server
// string for an account certificate and the device id for a device
// certificate.
func (c *Chain) Serialize() []byte {
	var out []byte
	out = appendLP(out, serializeAccount(c.Account))
	out = appendLP(out, serializeDevice(c.Device))
	out = appendLP(out, c.LinkSignature)
	return out
}

func appendLP(dst, payload []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, payload...)
}

func readLP(b []byte) (payload, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("cert: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("cert: truncated payload: want %d have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}

// Serialize encodes a standalone AccountCertificate, used during
// registration stage 2 before a device certificate exists.
func (a *AccountCertificate) Serialize() []byte { return serializeAccount(a) }

// DeserializeAccountCertificate parses a standalone AccountCertificate.
func DeserializeAccountCertificate(b []byte) (*AccountCertificate, error) {
	a, err := deserializeAccount(b)
	if err != nil {
		return nil, xerr.NewService(xerr.DecodeError, err)
	}
	return a, nil
}

func serializeAccount(a *AccountCertificate) []byte {
	var out []byte
	var schemeBuf [2]byte
	binary.BigEndian.PutUint16(schemeBuf[:], uint16(a.Scheme))
	out = append(out, schemeBuf[:]...)
	out = appendLP(out, a.PublicKey)
	out = appendLP(out, a.Signature)
	out = appendLP(out, accountAssociatedData(a.AccountID, a.Server))
	return out
}

func deserializeAccount(b []byte) (*AccountCertificate, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("cert: truncated account certificate")
	}
	scheme := SchemeTag(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	pub, b, err := readLP(b)
	if err != nil {
		return nil, fmt.Errorf("cert: account public key: %w", err)
	}
	sig, b, err := readLP(b)
	if err != nil {
		return nil, fmt.Errorf("cert: account signature: %w", err)
	}
	assoc, _, err := readLP(b)
	if err != nil {
		return nil, fmt.Errorf("cert: account associated data: %w", err)
	}
	if len(assoc) < 16 {
		return nil, fmt.Errorf("cert: account associated data too short")
	}
	var accountID ids.AccountId
	copy(accountID[:], assoc[:16])
	server := string(assoc[16:])
	return &AccountCertificate{
		Scheme:    scheme,
		AccountID: accountID,
		Server:    server,
		PublicKey: append([]byte(nil), pub...),
		Signature: append([]byte(nil), sig...),
	}, nil
}

func serializeDevice(d *DeviceCertificate) []byte {
	var out []byte
	var schemeBuf [2]byte
	binary.BigEndian.PutUint16(schemeBuf[:], uint16(d.Scheme))
	out = append(out, schemeBuf[:]...)
	out = appendLP(out, d.PublicKey)
	out = appendLP(out, d.Signature)
	out = appendLP(out, d.DeviceID[:])
	return out
}

func deserializeDevice(b []byte) (*DeviceCertificate, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("cert: truncated device certificate")
	}
	scheme := SchemeTag(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	pub, b, err := readLP(b)
	if err != nil {
		return nil, fmt.Errorf("cert: device public key: %w", err)
	}
	sig, b, err := readLP(b)
	if err != nil {
		return nil, fmt.Errorf("cert: device signature: %w", err)
	}
	devIDBytes, _, err := readLP(b)
	if err != nil {
		return nil, fmt.Errorf("cert: device id: %w", err)
	}
	if len(devIDBytes) != 16 {
		return nil, fmt.Errorf("cert: device id wrong length %d", len(devIDBytes))
	}
	var deviceID ids.DeviceId
	copy(deviceID[:], devIDBytes)
	return &DeviceCertificate{
		Scheme:    scheme,
		DeviceID:  deviceID,
		PublicKey: append([]byte(nil), pub...),
		Signature: append([]byte(nil), sig...),
	}, nil
}

// Deserialize parses Serialize's output back into a Chain. It does not
// verify signatures; callers must call VerifySelf explicitly.
func Deserialize(b []byte) (*Chain, error) {
	accountBytes, rest, err := readLP(b)
	if err != nil {
		return nil, xerr.NewService(xerr.DecodeError, fmt.Errorf("cert: account field: %w", err))
	}
	deviceBytes, rest, err := readLP(rest)
	if err != nil {
		return nil, xerr.NewService(xerr.DecodeError, fmt.Errorf("cert: device field: %w", err))
	}
	linkSig, _, err := readLP(rest)
	if err != nil {
		return nil, xerr.NewService(xerr.DecodeError, fmt.Errorf("cert: link signature field: %w", err))
	}
	account, err := deserializeAccount(accountBytes)
	if err != nil {
		return nil, xerr.NewService(xerr.DecodeError, err)
	}
	device, err := deserializeDevice(deviceBytes)
	if err != nil {
		return nil, xerr.NewService(xerr.DecodeError, err)
	}
	return &Chain{Account: account, Device: device, LinkSignature: append([]byte(nil), linkSig...)}, nil
}
