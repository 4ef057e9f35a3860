package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostComment(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10010"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "bot@example.com", "secret")
	id, err := client.PostComment(context.Background(), "PROJ-1", "line one\n\nline three")
	require.NoError(t, err)

	assert.Equal(t, "10010", id)
	assert.Equal(t, "/rest/api/3/issue/PROJ-1/comment", gotPath)
	assert.Equal(t, "bot@example.com", gotUser)
	assert.Equal(t, "secret", gotPass)

	doc := gotBody["body"].(map[string]any)
	assert.Equal(t, "doc", doc["type"])
	assert.Len(t, doc["content"], 3)
}

func TestErrorsAreReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errorMessages":["Issue does not exist"]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bot@example.com", "secret")
	_, err := client.PostComment(context.Background(), "PROJ-404", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestUnconfiguredClient(t *testing.T) {
	client := NewClient("", "", "")
	assert.False(t, client.Configured())
	_, err := client.PostComment(context.Background(), "PROJ-1", "hi")
	require.ErrorIs(t, err, ErrNotConfigured)
}
