// Package cert implements the two-level certificate chain licks uses as
// its unit of identity: an account certificate self-signed by the account
// key, a device certificate self-signed by the device key, and a signature
// binding the two.
package cert

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/xcrypto"
	"github.com/licks-chat/licks/internal/xerr"
)

// SchemeTag identifies the signature algorithm a certificate was produced
// with, carried explicitly so a future scheme can be introduced without
// breaking wire compatibility with certificates signed under an older one.
type SchemeTag uint16

const SchemeEd25519 SchemeTag = 1

// AccountCertificate binds (AccountId, server identity, account public key)
// under a self-signature by the account key.
type AccountCertificate struct {
	Scheme    SchemeTag
	AccountID ids.AccountId
	Server    string
	PublicKey xcrypto.PublicKey
	Signature []byte
}

func accountAssociatedData(accountID ids.AccountId, server string) []byte {
	var buf bytes.Buffer
	buf.Write(accountID[:])
	buf.WriteString(server)
	return buf.Bytes()
}

func (c *AccountCertificate) signedBytes() []byte {
	var buf bytes.Buffer
	var schemeBuf [2]byte
	binary.BigEndian.PutUint16(schemeBuf[:], uint16(c.Scheme))
	buf.Write(schemeBuf[:])
	buf.Write(c.PublicKey)
	buf.Write(accountAssociatedData(c.AccountID, c.Server))
	return buf.Bytes()
}

// NewAccountCertificate builds and self-signs an account certificate.
func NewAccountCertificate(suite xcrypto.Suite, accountID ids.AccountId, server string, pub xcrypto.PublicKey, sec xcrypto.SecretKey) *AccountCertificate {
	c := &AccountCertificate{Scheme: SchemeEd25519, AccountID: accountID, Server: server, PublicKey: pub}
	c.Signature = suite.Sign(sec, c.signedBytes())
	return c
}

// VerifySelf checks the account certificate's self-signature.
func (c *AccountCertificate) VerifySelf(suite xcrypto.Suite) error {
	if c.Scheme != SchemeEd25519 {
		return xerr.NewCrypto(xerr.BadSignature, fmt.Errorf("cert: unsupported scheme %d", c.Scheme))
	}
	if !suite.Verify(c.PublicKey, c.signedBytes(), c.Signature) {
		return xerr.NewCrypto(xerr.BadSignature, fmt.Errorf("cert: account self-signature invalid"))
	}
	return nil
}

// DeviceCertificate binds (DeviceId, device public key) under a
// self-signature by the device key.
type DeviceCertificate struct {
	Scheme    SchemeTag
	DeviceID  ids.DeviceId
	PublicKey xcrypto.PublicKey
	Signature []byte
}

func (d *DeviceCertificate) signedBytes() []byte {
	var buf bytes.Buffer
	var schemeBuf [2]byte
	binary.BigEndian.PutUint16(schemeBuf[:], uint16(d.Scheme))
	buf.Write(schemeBuf[:])
	buf.Write(d.PublicKey)
	buf.Write(d.DeviceID[:])
	return buf.Bytes()
}

// Bytes returns the serialized form of the device certificate as signed by
// the account key when forming a chain (CertificateChain.LinkSignature
// covers exactly this encoding).
func (d *DeviceCertificate) Bytes() []byte { return d.signedBytes() }

// NewDeviceCertificate builds and self-signs a device certificate.
func NewDeviceCertificate(suite xcrypto.Suite, deviceID ids.DeviceId, pub xcrypto.PublicKey, sec xcrypto.SecretKey) *DeviceCertificate {
	d := &DeviceCertificate{Scheme: SchemeEd25519, DeviceID: deviceID, PublicKey: pub}
	d.Signature = suite.Sign(sec, d.signedBytes())
	return d
}

// VerifySelf checks the device certificate's self-signature.
func (d *DeviceCertificate) VerifySelf(suite xcrypto.Suite) error {
	if d.Scheme != SchemeEd25519 {
		return xerr.NewCrypto(xerr.BadSignature, fmt.Errorf("cert: unsupported scheme %d", d.Scheme))
	}
	if !suite.Verify(d.PublicKey, d.signedBytes(), d.Signature) {
		return xerr.NewCrypto(xerr.BadSignature, fmt.Errorf("cert: device self-signature invalid"))
	}
	return nil
}

// Chain is the unit of identity presented to peers and the server: an
// account certificate, a device certificate, and the account's signature
// over the device certificate's bytes, linking the two.
//
// Equality (see Equal) considers only (AccountID, Server, DeviceID) —
// signatures may legitimately vary between otherwise-identical chains
// (e.g. re-signed after a scheme migration).
type Chain struct {
	Account       *AccountCertificate
	Device        *DeviceCertificate
	LinkSignature []byte
}

// NewChain signs Device's bytes with the account secret key, producing a
// full chain from an already-built account certificate and device
// certificate.
func NewChain(suite xcrypto.Suite, account *AccountCertificate, device *DeviceCertificate, accountSec xcrypto.SecretKey) *Chain {
	return &Chain{
		Account:       account,
		Device:        device,
		LinkSignature: suite.Sign(accountSec, device.Bytes()),
	}
}

// VerifySelf checks both self-signatures and the account-signs-device
// link.
func (c *Chain) VerifySelf(suite xcrypto.Suite) error {
	if err := c.Account.VerifySelf(suite); err != nil {
		return err
	}
	if err := c.Device.VerifySelf(suite); err != nil {
		return err
	}
	if !suite.Verify(c.Account.PublicKey, c.Device.Bytes(), c.LinkSignature) {
		return xerr.NewCrypto(xerr.BadChainLink, fmt.Errorf("cert: account-signs-device link invalid"))
	}
	return nil
}

// Equal compares only identifiers and server, not which signatures happen
// to be attached.
func (c *Chain) Equal(other *Chain) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Account.AccountID == other.Account.AccountID &&
		c.Account.Server == other.Account.Server &&
		c.Device.DeviceID == other.Device.DeviceID
}

// SecretChain is a Chain plus the account and device secret keys. It never
// leaves the owning client process in plaintext; persistence is the local
// store's job (encrypted at rest).
type SecretChain struct {
	Chain      *Chain
	AccountSec xcrypto.SecretKey
	DeviceSec  xcrypto.SecretKey
}
