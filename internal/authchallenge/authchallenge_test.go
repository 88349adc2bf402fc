package authchallenge_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/authchallenge"
	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/rawconn"
	"github.com/licks-chat/licks/internal/xcrypto"
)

type pipeDuplex struct{ net.Conn }

func (p pipeDuplex) WriteMessage(msg []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	if _, err := p.Conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := p.Conn.Write(msg)
	return err
}

func (p pipeDuplex) ReadMessage() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(p.Conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.Conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func dialPair(t *testing.T) (client, server *rawconn.Conn) {
	t.Helper()
	clientPipe, serverPipe := net.Pipe()

	type result struct {
		conn *rawconn.Conn
		err  error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	ctx := context.Background()

	go func() {
		c, err := rawconn.NewClient(ctx, pipeDuplex{clientPipe})
		clientCh <- result{c, err}
	}()
	go func() {
		s, err := rawconn.NewServer(ctx, pipeDuplex{serverPipe})
		serverCh <- result{s, err}
	}()

	var clientRes, serverRes result
	select {
	case clientRes = <-clientCh:
	case <-time.After(5 * time.Second):
		t.Fatal("client connect timed out")
	}
	select {
	case serverRes = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server connect timed out")
	}
	require.NoError(t, clientRes.err)
	require.NoError(t, serverRes.err)
	return clientRes.conn, serverRes.conn
}

func freshSecretChain(t *testing.T) *cert.SecretChain {
	t.Helper()
	accountID := ids.NewAccountId()
	deviceID := ids.NewDeviceId()

	accPub, accSec, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)
	devPub, devSec, err := xcrypto.Default.GenerateKey()
	require.NoError(t, err)

	account := cert.NewAccountCertificate(xcrypto.Default, accountID, "localhost", accPub, accSec)
	device := cert.NewDeviceCertificate(xcrypto.Default, deviceID, devPub, devSec)
	chain := cert.NewChain(xcrypto.Default, account, device, accSec)
	return &cert.SecretChain{Chain: chain, AccountSec: accSec, DeviceSec: devSec}
}

type fakeRegistry struct{ registered map[ids.AccountId]bool }

func (f fakeRegistry) IsRegistered(chain *cert.Chain) bool {
	return f.registered[chain.Account.AccountID]
}

func TestChallengeSucceedsForRegisteredChain(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	secret := freshSecretChain(t)
	registry := fakeRegistry{registered: map[ids.AccountId]bool{secret.Chain.Account.AccountID: true}}

	serverErrCh := make(chan error, 1)
	serverAccountCh := make(chan ids.AccountId, 1)
	go func() {
		account, err := authchallenge.Serve(context.Background(), server, xcrypto.Default, registry)
		serverErrCh <- err
		serverAccountCh <- account
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, authchallenge.Perform(ctx, client, xcrypto.Default, secret))

	require.NoError(t, <-serverErrCh)
	require.Equal(t, secret.Chain.Account.AccountID, <-serverAccountCh)
}

func TestChallengeFailsForUnregisteredChain(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	secret := freshSecretChain(t)
	registry := fakeRegistry{registered: map[ids.AccountId]bool{}}

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := authchallenge.Serve(context.Background(), server, xcrypto.Default, registry)
		serverErrCh <- err
		// Any failure closes the connection with no diagnostic
		// granularity toward the client.
		_ = server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := authchallenge.Perform(ctx, client, xcrypto.Default, secret)
	require.Error(t, err)
	require.Error(t, <-serverErrCh)
}
