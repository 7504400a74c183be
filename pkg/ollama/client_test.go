package ollama

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

func TestNewClientInvalidURL(t *testing.T) {
	_, err := NewClient("localhost")
	assert.Error(t, err)

	c, err := NewClient("http://localhost:11434/api/chat")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestDetectObjects(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Content string   `json:"content"`
			Images  []string `json:"images"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model": "llava",
			"message": map[string]any{
				"role":    "assistant",
				"content": "```json\n{\"objects\": [{\"label\": \"scratch\", \"confidence\": 0.9, \"box\": {\"x\": 0.1, \"y\": 0.1, \"w\": 0.2, \"h\": 0.2}}]}\n```",
			},
			"done": true,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	img := base64.StdEncoding.EncodeToString([]byte("fake-jpeg"))
	dets, err := c.DetectObjects(context.Background(), "llava", "find defects", img)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "scratch", dets[0].Label)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-9)

	assert.Equal(t, "llava", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "find defects", got.Messages[0].Content)
	assert.Equal(t, []string{img}, got.Messages[0].Images)
}

func TestDetectObjectsBadImage(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = c.DetectObjects(context.Background(), "llava", "p", "not base64!")
	assert.Error(t, err)
}

func TestSimpleQueryWithoutImage(t *testing.T) {
	var got struct {
		Messages []struct {
			Content string   `json:"content"`
			Images  []string `json:"images"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "OK"},
			"done":    true,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	answer, err := c.SimpleQuery(context.Background(), "llava", "Reply with OK.", "")
	require.NoError(t, err)
	assert.Equal(t, "OK", answer)
	require.Len(t, got.Messages, 1)
	assert.Empty(t, got.Messages[0].Images)
}
