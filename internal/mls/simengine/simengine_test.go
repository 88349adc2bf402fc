package simengine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/mls"
	"github.com/licks-chat/licks/internal/mls/simengine"
)

func TestSingleMemberEncryptProcessRoundtrip(t *testing.T) {
	alice := ids.NewAccountId()
	engine, err := simengine.New(alice, ids.SelfGroup)
	require.NoError(t, err)

	ct, err := engine.Encrypt([]byte("hello"))
	require.NoError(t, err)

	ev, err := engine.Process(ct)
	require.NoError(t, err)
	require.Equal(t, mls.EventApplication, ev.Kind)
	require.Equal(t, []byte("hello"), ev.Payload)
	require.Equal(t, alice, ev.Sender)
}

func TestWelcomeAndCommitAdvanceEpoch(t *testing.T) {
	bob := ids.NewAccountId()
	alice := ids.NewAccountId()
	groupID := ids.NewGroupIdentifier()

	bobEngine, err := simengine.New(bob, groupID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), bobEngine.Epoch())

	kp := simengine.NewKeyPackage(alice)
	require.NoError(t, bobEngine.ProposeAdd(kp))

	welcome, err := bobEngine.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), bobEngine.Epoch())
	require.ElementsMatch(t, []ids.AccountId{bob, alice}, bobEngine.Roster())

	aliceEngine, err := simengine.Join(alice, groupID, welcome)
	require.NoError(t, err)
	require.Equal(t, uint64(1), aliceEngine.Epoch())
	require.Equal(t, bobEngine.DeriveGroupSecret(), aliceEngine.DeriveGroupSecret())

	ct, err := bobEngine.Encrypt([]byte("hello, alice"))
	require.NoError(t, err)
	ev, err := aliceEngine.Process(ct)
	require.NoError(t, err)
	require.Equal(t, mls.EventApplication, ev.Kind)
	require.Equal(t, []byte("hello, alice"), ev.Payload)
}

func TestCommitWithoutPendingProposalsFails(t *testing.T) {
	alice := ids.NewAccountId()
	engine, err := simengine.New(alice, ids.SelfGroup)
	require.NoError(t, err)
	_, err = engine.Commit()
	require.Error(t, err)
}
