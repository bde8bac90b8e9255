package output

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regcrawler/internal/clock/system"
	"github.com/JakeFAU/regcrawler/internal/hash/sha256"
	"github.com/JakeFAU/regcrawler/internal/storage/memory"
)

func TestHTMLArchiverWritesHeader(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := NewHTMLArchiver(store, nil, system.NewFixed(testNow), "")
	rec := sampleRecord("doc/42", "https://ex.org/rule/42")

	uri, err := a.Archive(context.Background(), rec, []byte("<html>body</html>"))
	require.NoError(t, err)
	require.Equal(t, "memory://html/doc42.html", uri)

	raw, ct, ok := store.Get("html/doc42.html")
	require.True(t, ok)
	require.Equal(t, htmlContentType, ct)
	lines := strings.SplitN(string(raw), "\n", 3)
	require.Equal(t, "<!-- Source URL: https://ex.org/rule/42 -->", lines[0])
	require.Equal(t, "<!-- Scraped at: 2024-03-01T09:30:00Z -->", lines[1])
	require.Equal(t, "<html>body</html>", lines[2])
}

func TestHTMLArchiverHashesBody(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := NewHTMLArchiver(store, sha256.NewTruncated(8), nil, "/pages/")
	_, err := a.Archive(context.Background(), sampleRecord("7", "https://ex.org/rule/7"), []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, []string{"pages/7-b94d27b9.html"}, store.Paths())
}

func TestHTMLArchiverErrors(t *testing.T) {
	t.Parallel()

	_, err := NewHTMLArchiver(nil, nil, nil, "").Archive(context.Background(), sampleRecord("1", "u"), nil)
	require.ErrorContains(t, err, "not configured")

	_, err = NewHTMLArchiver(failingStore{}, nil, nil, "").Archive(context.Background(), sampleRecord("1", "u"), nil)
	require.ErrorContains(t, err, "disk full")

	_, err = NewHTMLArchiver(memory.NewBlobStore(), errHasher{}, nil, "").Archive(context.Background(), sampleRecord("1", "u"), nil)
	require.ErrorContains(t, err, "hash body")
}

type errHasher struct{}

func (errHasher) Hash([]byte) (string, error) { return "", errors.New("boom") }

func TestSafeName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc-1_2", SafeName("a/b.c-1_2"))
	require.Equal(t, "", SafeName("../.."))
}
