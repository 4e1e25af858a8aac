package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "raw-articles"})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/raw-articles/o")
		assert.Equal(t, "raw/mec/2026/02/10/fp.html", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>notícia</html>")
		assert.Contains(t, string(body), "text/html")

		fmt.Fprintln(w, `{"name": "raw/mec/2026/02/10/fp.html", "bucket": "raw-articles"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), "/raw/mec/2026/02/10/fp.html", "text/html", strings.NewReader("<html>notícia</html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://raw-articles/raw/mec/2026/02/10/fp.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler)

	_, err := store.PutObject(context.Background(), "raw/x.html", "text/html", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	_, err = New(client, Config{Bucket: " "})
	assert.Error(t, err)

	_, err = (&BlobStore{client: client, bucket: "b"}).PutObject(context.Background(), "", "", strings.NewReader(""))
	assert.Error(t, err)
}
