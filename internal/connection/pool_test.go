package connection

import (
	"testing"
	"time"

	"chain-registry-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GetUnknown(t *testing.T) {
	pool := NewPool(newFakeTransport(), testOptions())
	defer pool.Close()

	_, err := pool.GetConnection("nope")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.Nil(t, pool.GetConnectionOrNil("nope"))
}

func TestPool_RejectsChainWithoutNodes(t *testing.T) {
	pool := NewPool(newFakeTransport(), testOptions())
	defer pool.Close()

	_, err := pool.SetupConnection(models.Chain{ID: "empty"}, nil)
	assert.ErrorIs(t, err, ErrNoNodes)
	assert.Nil(t, pool.GetConnectionOrNil("empty"))
}

func TestPool_SetupReplacesPrevious(t *testing.T) {
	tr := newFakeTransport()
	pool := NewPool(tr, testOptions())
	defer pool.Close()

	first, err := pool.SetupConnection(twoNodeChain(), nil)
	require.NoError(t, err)
	require.Eventually(t, first.Connected, time.Second, 5*time.Millisecond)
	firstSocket := tr.socket("wss://a")

	second, err := pool.SetupConnection(twoNodeChain(), nil)
	require.NoError(t, err)

	got, err := pool.GetConnection("polkadot")
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.True(t, firstSocket.isClosed())
}

func TestPool_RemoveConnection(t *testing.T) {
	tr := newFakeTransport()
	pool := NewPool(tr, testOptions())
	defer pool.Close()

	conn, err := pool.SetupConnection(twoNodeChain(), nil)
	require.NoError(t, err)
	require.Eventually(t, conn.Connected, time.Second, 5*time.Millisecond)

	pool.RemoveConnection("polkadot")
	pool.RemoveConnection("polkadot")

	assert.Nil(t, pool.GetConnectionOrNil("polkadot"))
	assert.Empty(t, pool.ChainIDs())
	assert.True(t, tr.socket("wss://a").isClosed())
}
