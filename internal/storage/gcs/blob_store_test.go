package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "storage client is required")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")

	_, err = Open(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/runs/2024/"})
	require.NoError(t, err)

	name, err := store.objectName("/html/ex.org/rule_1.html")
	require.NoError(t, err)
	require.Equal(t, "runs/2024/html/ex.org/rule_1.html", name)

	_, err = store.objectName("  ")
	require.Error(t, err)

	bare, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	name, err = bare.objectName("a.html")
	require.NoError(t, err)
	require.Equal(t, "a.html", name)
	require.NoError(t, bare.Close(), "borrowed clients are not closed")
}
