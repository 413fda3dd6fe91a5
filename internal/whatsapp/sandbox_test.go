package whatsapp

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/wablast/internal/sandbox"
)

func newSandboxStorage(t *testing.T) *sandbox.Storage {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := sandbox.NewStorage(db)
	require.NoError(t, err)
	return store
}

func TestSandboxClient_Capture(t *testing.T) {
	store := newSandboxStorage(t)
	client := NewSandboxClient(SandboxConfig{}, store, nil)
	ctx := context.Background()

	_, err := client.SendText(ctx, "6281234567890", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.Status().Connected())
	assert.Equal(t, "sandbox", client.Status().Driver)

	id, err := client.SendText(ctx, "6281234567890", "Hello Budi")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = client.SendMedia(ctx, "6281234567890", Media{
		Filename: "photo.jpg",
		MIMEType: "image/jpeg",
		Data:     []byte("jpeg"),
		Caption:  "look",
	})
	require.NoError(t, err)

	_, err = client.SendMedia(ctx, "6289876543210", Media{
		Filename: "invoice.pdf",
		MIMEType: "application/pdf",
		Data:     []byte("pdf!"),
	})
	require.NoError(t, err)

	msg, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, sandbox.KindText, msg.Kind)
	assert.Equal(t, "Hello Budi", msg.Body)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.ByKind[sandbox.KindImage])
	assert.EqualValues(t, 1, stats.ByKind[sandbox.KindDocument])
	assert.Equal(t, 2, stats.Recipients)
}

func TestSandboxClient_ErrorSimulation(t *testing.T) {
	store := newSandboxStorage(t)
	client := NewSandboxClientWithSource(SandboxConfig{ErrorRate: 1}, store, nil, rand.NewSource(1))
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	_, err := client.SendText(ctx, "6281234567890", "hi")
	assert.ErrorIs(t, err, ErrSimulated)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestSandboxClient_Close(t *testing.T) {
	client := NewSandboxClient(SandboxConfig{}, newSandboxStorage(t), nil)

	var last Status
	client.OnStatus(func(s Status) { last = s })

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateConnected, last.State)

	require.NoError(t, client.Close())
	assert.Equal(t, StateDisconnected, last.State)
}
