package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	} `json:"messages"`
}

func fakeServer(t *testing.T, content any, got *recordedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, chatEndpoint, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDetectObjects(t *testing.T) {
	var got recordedRequest
	srv := fakeServer(t, "```json\n{\"objects\": [{\"label\": \"dent\", \"confidence\": 0.7, \"box\": {\"x\": 0.2, \"y\": 0.3, \"w\": 0.1, \"h\": 0.1}}]}\n```", &got)

	c, err := NewClient(srv.URL + chatEndpoint)
	require.NoError(t, err)

	dets, err := c.DetectObjects(context.Background(), "qwen2.5-vl", "find defects", "aW1n")
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "dent", dets[0].Label)
	assert.InDelta(t, 0.2, dets[0].X, 1e-9)

	assert.Equal(t, "qwen2.5-vl", got.Model)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "find defects", got.Messages[0].Content[0].Text)
	require.NotNil(t, got.Messages[0].Content[1].ImageURL)
	assert.Equal(t, "data:image/jpeg;base64,aW1n", got.Messages[0].Content[1].ImageURL.URL)
}

func TestSimpleQueryPartsAnswer(t *testing.T) {
	var got recordedRequest
	srv := fakeServer(t, []map[string]any{{"type": "text", "text": "OK"}}, &got)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	answer, err := c.SimpleQuery(context.Background(), "m", "Reply with OK.", "")
	require.NoError(t, err)
	assert.Equal(t, "OK", answer)
	require.Len(t, got.Messages[0].Content, 1, "no image part without an image")
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.DetectObjects(context.Background(), "m", "p", "aW1n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("localhost:8080")
	assert.Error(t, err)

	c, err := NewClient("")
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, c.baseURL)
}
