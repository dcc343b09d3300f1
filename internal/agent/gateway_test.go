package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

func TestCallReturnsStructuredPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tool", req.ToolChoice.Type)
		assert.Equal(t, toolName, req.ToolChoice.Name)

		resp := apiResponse{
			Content: []apiContentBlock{
				{Type: "tool_use", Name: toolName, Input: json.RawMessage(`{"isUrgent":true,"priority":"high"}`)},
			},
			StopReason: "tool_use",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	g := New("test-key")
	g.client = srv.Client()
	overrideURL(t, srv.URL)

	resp, err := g.Call(context.Background(), types.AgentRequest{
		Prompt: "classify this email",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"isUrgent": map[string]interface{}{"type": "boolean"}},
			"required":   []string{"isUrgent"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Payload["isUrgent"])
	assert.Equal(t, "high", resp.Payload["priority"])
}

func TestCallWithoutToolUseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := apiResponse{Content: []apiContentBlock{{Type: "text", Text: "no tool call"}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	g := New("test-key")
	g.client = srv.Client()
	overrideURL(t, srv.URL)

	_, err := g.Call(context.Background(), types.AgentRequest{Prompt: "x", Schema: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrNoStructuredResponse)
}

func TestCallWithoutAPIKeyErrors(t *testing.T) {
	g := New("")
	_, err := g.Call(context.Background(), types.AgentRequest{Prompt: "x", Schema: map[string]interface{}{}})
	assert.Error(t, err)
}

// overrideURL points the package-level apiURL at a test server for the
// duration of t, restoring it afterward.
func overrideURL(t *testing.T, url string) {
	t.Helper()
	original := apiURL
	apiURL = url
	t.Cleanup(func() { apiURL = original })
}
