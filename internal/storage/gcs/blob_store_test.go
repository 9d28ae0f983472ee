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
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/upload/storage/v1/b/archive/o") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("name") != "harvest/raw/example.com/abc.html" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "<html>hi</html>") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"name": "harvest/raw/example.com/abc.html", "bucket": "archive"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "archive", Prefix: "/harvest/"})

	uri, err := store.PutObject(context.Background(), "raw/example.com/abc.html", "text/html", strings.NewReader("<html>hi</html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/harvest/raw/example.com/abc.html", uri)
	require.NoError(t, store.Close())
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "archive"})

	_, err := store.PutObject(context.Background(), "raw/a.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
