package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("https://cdn.example.com")

	require.NoError(t, store.Put(ctx, "outputs", "checkpoints/job-1.png", []byte("v1"), "image/png"))
	require.NoError(t, store.Put(ctx, "outputs", "checkpoints/job-1.png", []byte("v2"), "image/png"))

	data, err := store.Get(ctx, "outputs", "checkpoints/job-1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, "image/png", store.ContentType("outputs", "checkpoints/job-1.png"))

	require.NoError(t, store.Delete(ctx, "outputs", "checkpoints/job-1.png"))
	_, err = store.Get(ctx, "outputs", "checkpoints/job-1.png")
	assert.True(t, errors.Is(err, ErrObjectNotFound))
}

func TestPublicURLEscapesKeySegments(t *testing.T) {
	store := NewMemoryStore("https://cdn.example.com/")
	assert.Equal(t,
		"https://cdn.example.com/outputs/final/job%201/final.jpg",
		store.PublicURL("outputs", "final/job 1/final.jpg"),
	)
}
