package directory_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/server/directory"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func hashOf(s string) [32]byte {
	var h [32]byte
	copy(h[:], s)
	return h
}

func TestSetUsernameLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	usernames, err := directory.NewUsernames(ctx, db)
	require.NoError(t, err)

	alice := ids.NewAccountId()
	bob := ids.NewAccountId()
	hash := hashOf("alice")

	result, err := usernames.SetUsername(ctx, alice, hash)
	require.NoError(t, err)
	require.Equal(t, directory.SetUsernameNew, result)

	result, err = usernames.SetUsername(ctx, alice, hash)
	require.NoError(t, err)
	require.Equal(t, directory.SetUsernameAlreadyYours, result)

	result, err = usernames.SetUsername(ctx, bob, hash)
	require.NoError(t, err)
	require.Equal(t, directory.SetUsernameTaken, result)

	owner, found, err := usernames.Lookup(ctx, hash)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, alice, owner)

	ok, err := usernames.RemoveUsername(ctx, bob, hash)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = usernames.RemoveUsername(ctx, alice, hash)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = usernames.Lookup(ctx, hash)
	require.NoError(t, err)
	require.False(t, found)
}

func TestKeyPackageLastResortRetention(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	keyPackages, err := directory.NewKeyPackages(ctx, db)
	require.NoError(t, err)

	account := ids.NewAccountId()

	_, found, err := keyPackages.GetKeyPackage(ctx, account)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, keyPackages.Upload(ctx, account, [][]byte{[]byte("kp1"), []byte("kp2")}))

	pkg, found, err := keyPackages.GetKeyPackage(ctx, account)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("kp2"), pkg)

	// Only one package remains: it is returned repeatedly without removal.
	pkg, found, err = keyPackages.GetKeyPackage(ctx, account)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("kp1"), pkg)

	pkg2, found, err := keyPackages.GetKeyPackage(ctx, account)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("kp1"), pkg2)
}
