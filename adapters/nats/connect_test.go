package nats

import (
	"errors"
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestReuseConnection_leases(t *testing.T) {
	var dials, closes int
	connect := ReuseConnection(func() (*natsgo.Conn, closeFunc, error) {
		dials++
		return &natsgo.Conn{}, func() { closes++ }, nil
	})

	nc1, release1, err := connect()
	require.NoError(t, err)
	nc2, release2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)
	require.Equal(t, 1, dials)

	release1()
	release1()
	require.Equal(t, 0, closes, "double release must not drop the other lease")

	release2()
	require.Equal(t, 1, closes)

	_, release3, err := connect()
	require.NoError(t, err)
	require.Equal(t, 2, dials)
	release3()
	require.Equal(t, 2, closes)
}

func TestReuseConnection_dialError(t *testing.T) {
	boom := errors.New("boom")
	connect := ReuseConnection(func() (*natsgo.Conn, closeFunc, error) {
		return nil, nil, boom
	})
	_, _, err := connect()
	require.ErrorIs(t, err, boom)
}

func TestNats_Connect(t *testing.T) {
	connect := NewTestContainer(t)
	nc1, disconnect1, err := connect()
	require.NoError(t, err)
	require.True(t, nc1.IsConnected())

	nc2, disconnect2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)

	disconnect1()
	require.True(t, nc1.IsConnected())
	disconnect2()
	require.True(t, nc1.IsClosed())

	nc3, disconnect3, err := connect()
	require.NoError(t, err)
	require.True(t, nc3.IsConnected())
	disconnect3()
}
