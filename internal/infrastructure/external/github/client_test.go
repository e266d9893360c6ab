package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig("test-token", "acme", "handlers")
	cfg.BaseURL = srv.URL
	cfg.PathPrefix = "bots"
	return NewClient(cfg)
}

func TestGet_DecodesWrappedBase64(t *testing.T) {
	source := "function handle_message(text) { return 'ok'; }"
	encoded := base64.StdEncoding.EncodeToString([]byte(source))
	// The API wraps base64 at 60 columns.
	wrapped := encoded[:20] + "\n" + encoded[20:]

	var gotPath, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(contentDTO{
			Name:     "bot_123456789.js",
			Path:     "bots/bot_123456789.js",
			SHA:      "abc123",
			Content:  wrapped,
			Encoding: "base64",
			Type:     "file",
		})
	})

	f, err := client.Get(context.Background(), "bot_123456789.js")
	require.NoError(t, err)

	assert.Equal(t, source, string(f.Content))
	assert.Equal(t, "abc123", f.Version)
	assert.Equal(t, "/repos/acme/handlers/contents/bots/bot_123456789.js", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestGet_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})

	_, err := client.Get(context.Background(), "missing.js")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := client.Exists(context.Background(), "missing.js")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreate_SendsBranchAndContent(t *testing.T) {
	var got putRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(putResponse{
			Content: &contentDTO{Path: "bots/new.js", SHA: "sha-1"},
		})
	})

	f, err := client.Create(context.Background(), "new.js", []byte("src"), "add handler new")
	require.NoError(t, err)

	assert.Equal(t, "sha-1", f.Version)
	assert.Equal(t, "main", got.Branch)
	assert.Empty(t, got.SHA)
	decoded, _ := base64.StdEncoding.DecodeString(got.Content)
	assert.Equal(t, "src", string(decoded))
}

func TestUpdate_RequiresVersionAndDetectsConflict(t *testing.T) {
	_, err := NewClient(DefaultClientConfig("t", "o", "r")).
		Update(context.Background(), "x.js", []byte("src"), "", "msg")
	assert.Error(t, err)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"is at sha-2 but expected sha-1"}`))
	})

	_, err = client.Update(context.Background(), "x.js", []byte("src"), "sha-1", "msg")
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestSave_CreatesWhenAbsentUpdatesWhenPresent(t *testing.T) {
	var putSHA string
	exists := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(contentDTO{SHA: "sha-old", Type: "file"})
			return
		}
		var req putRequest
		json.NewDecoder(r.Body).Decode(&req)
		putSHA = req.SHA
		json.NewEncoder(w).Encode(putResponse{Content: &contentDTO{SHA: "sha-new"}})
	})

	_, err := client.Save(context.Background(), "x.js", []byte("v1"), "msg")
	require.NoError(t, err)
	assert.Empty(t, putSHA, "create path must not send a sha")

	exists = true
	_, err = client.Save(context.Background(), "x.js", []byte("v2"), "msg")
	require.NoError(t, err)
	assert.Equal(t, "sha-old", putSHA, "update path must send the current sha")
}

func TestList_FilesOnly(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]contentDTO{
			{Name: "a.js", Type: "file", SHA: "s1", Size: 10},
			{Name: "sub", Type: "dir", SHA: "s2"},
			{Name: "b.js", Type: "file", SHA: "s3", Size: 20},
		})
	})

	entries, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.js", entries[0].Name)
	assert.Equal(t, "b.js", entries[1].Name)
}

func TestList_MissingDirectoryIsEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	entries, err := client.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
