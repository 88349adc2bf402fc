package registration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/server/directory"
	"github.com/licks-chat/licks/internal/server/registration"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
)

type fakeDirectory struct {
	owners map[[32]byte]ids.AccountId
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{owners: make(map[[32]byte]ids.AccountId)}
}

func (f *fakeDirectory) SetUsername(ctx context.Context, accountID ids.AccountId, hash [32]byte) (directory.SetUsernameResult, error) {
	owner, ok := f.owners[hash]
	if !ok {
		f.owners[hash] = accountID
		return directory.SetUsernameNew, nil
	}
	if owner == accountID {
		return directory.SetUsernameAlreadyYours, nil
	}
	return directory.SetUsernameTaken, nil
}

func registerFullChain(t *testing.T, r *registration.Registry, usernameHash [32]byte) *cert.SecretChain {
	t.Helper()
	ctx := context.Background()

	accountPub, accountSec, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)

	stage1Resp := r.Stage1(wire.RegistrationStage1{AccountPublicKey: accountPub})

	accountCert := cert.NewAccountCertificate(xcrypto.Default, stage1Resp.AccountID, "localhost", accountPub, accountSec)
	require.NoError(t, r.Stage2(wire.RegistrationStage2{SerializedAccountCert: accountCert.Serialize()}))

	devicePub, deviceSec, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)
	deviceCert := cert.NewDeviceCertificate(xcrypto.Default, ids.NewDeviceId(), devicePub, deviceSec)
	chain := cert.NewChain(xcrypto.Default, accountCert, deviceCert, accountSec)

	require.NoError(t, r.Stage3(ctx, wire.RegistrationStage3{Chain: chain.Serialize(), UsernameHash: usernameHash}))
	return &cert.SecretChain{Chain: chain, AccountSec: accountSec, DeviceSec: deviceSec}
}

func TestFullRegistrationRegistersChain(t *testing.T) {
	dir := newFakeDirectory()
	r := registration.New(xcrypto.Default, "localhost", dir)

	var hash [32]byte
	copy(hash[:], "carol")
	secret := registerFullChain(t, r, hash)

	require.True(t, r.IsRegistered(secret.Chain))
}

func TestStage2RejectsMismatchedPublicKey(t *testing.T) {
	dir := newFakeDirectory()
	r := registration.New(xcrypto.Default, "localhost", dir)

	accountPub, _, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)
	stage1Resp := r.Stage1(wire.RegistrationStage1{AccountPublicKey: accountPub})

	otherPub, otherSec, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)
	mismatchedCert := cert.NewAccountCertificate(xcrypto.Default, stage1Resp.AccountID, "localhost", otherPub, otherSec)

	err = r.Stage2(wire.RegistrationStage2{SerializedAccountCert: mismatchedCert.Serialize()})
	require.Error(t, err)
}

func TestStage3RejectsTakenUsername(t *testing.T) {
	dir := newFakeDirectory()
	r := registration.New(xcrypto.Default, "localhost", dir)

	var hash [32]byte
	copy(hash[:], "shared-name")
	registerFullChain(t, r, hash)

	accountPub, accountSec, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)
	stage1Resp := r.Stage1(wire.RegistrationStage1{AccountPublicKey: accountPub})
	accountCert := cert.NewAccountCertificate(xcrypto.Default, stage1Resp.AccountID, "localhost", accountPub, accountSec)
	require.NoError(t, r.Stage2(wire.RegistrationStage2{SerializedAccountCert: accountCert.Serialize()}))

	devicePub, deviceSec, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)
	deviceCert := cert.NewDeviceCertificate(xcrypto.Default, ids.NewDeviceId(), devicePub, deviceSec)
	chain := cert.NewChain(xcrypto.Default, accountCert, deviceCert, accountSec)

	err = r.Stage3(context.Background(), wire.RegistrationStage3{Chain: chain.Serialize(), UsernameHash: hash})
	require.Error(t, err)
	require.False(t, r.IsRegistered(chain))
}
