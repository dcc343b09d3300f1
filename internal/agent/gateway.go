// Package agent implements the LLM Sub-agent Gateway (C6): a single
// structured-output call against the Anthropic Messages API, grounded on
// nam-hle-task-management/internal/ai/assistant.go — the one place in
// this corpus that talks to the Claude API — generalized from that
// package's hand-rolled request/response types into a forced single
// tool-use call instead of a multi-turn tool loop.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

const (
	apiVersion    = "2023-06-01"
	defaultMaxTok = 1024
	callTimeout   = 60 * time.Second
	toolName      = "structured_output"
)

// apiURL is a var, not a const, so tests can point the gateway at an
// httptest server.
var apiURL = "https://api.anthropic.com/v1/messages"

// ErrNoStructuredResponse is returned when the model replies without the
// forced structured_output tool_use block, per spec.md §7's validation
// error taxonomy.
var ErrNoStructuredResponse = errors.New("agent: no structured response block in reply")

var modelIDs = map[types.AgentModel]string{
	types.AgentModelHaiku:  "claude-haiku-4-5-20251001",
	types.AgentModelSonnet: "claude-sonnet-4-5-20250929",
	types.AgentModelOpus:   "claude-opus-4-1-20250805",
}

// Gateway executes callAgent requests against the Anthropic Messages API.
type Gateway struct {
	apiKey string
	client *http.Client
}

// New builds a Gateway bound to apiKey. A missing key is only an error
// at call time, matching spec.md §7's "surfaced on first use" policy for
// configuration errors that aren't fatal at startup.
func New(apiKey string) *Gateway {
	return &Gateway{
		apiKey: apiKey,
		client: &http.Client{Timeout: callTimeout},
	}
}

// Call performs one structured-output request. The caller's schema is
// wrapped as the sole tool the model may use, with tool_choice forcing
// exactly one call. A reply without that tool_use block fails with
// ErrNoStructuredResponse; otherwise the block's input is returned as
// parsed, without checking it field by field against req.Schema.
func (g *Gateway) Call(ctx context.Context, req types.AgentRequest) (types.AgentResponse, error) {
	if g.apiKey == "" {
		return types.AgentResponse{}, fmt.Errorf("agent: no LLM API key configured")
	}
	model := req.Model
	if model == "" {
		model = types.AgentModelHaiku
	}
	modelID, ok := modelIDs[model]
	if !ok {
		return types.AgentResponse{}, fmt.Errorf("agent: unknown model %q", model)
	}

	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return types.AgentResponse{}, fmt.Errorf("agent: failed to marshal schema: %w", err)
	}

	body := apiRequest{
		Model:     modelID,
		MaxTokens: defaultMaxTok,
		Messages: []apiMessage{
			{Role: "user", Content: req.Prompt},
		},
		Tools: []apiTool{
			{Name: toolName, Description: "Return the result in the required structure.", InputSchema: schemaJSON},
		},
		ToolChoice: &apiToolChoice{Type: "tool", Name: toolName},
	}

	resp, err := g.call(ctx, body)
	if err != nil {
		return types.AgentResponse{}, err
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == toolName {
			var payload map[string]interface{}
			if err := json.Unmarshal(block.Input, &payload); err != nil {
				return types.AgentResponse{}, fmt.Errorf("agent: failed to parse structured payload: %w", err)
			}
			return types.AgentResponse{Payload: payload}, nil
		}
	}
	return types.AgentResponse{}, ErrNoStructuredResponse
}

func (g *Gateway) call(ctx context.Context, body apiRequest) (*apiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("agent: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("agent: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agent: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("agent: API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("agent: API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("agent: failed to decode response: %w", err)
	}
	return &result, nil
}

type apiRequest struct {
	Model      string         `json:"model"`
	MaxTokens  int            `json:"max_tokens"`
	Messages   []apiMessage   `json:"messages"`
	Tools      []apiTool      `json:"tools,omitempty"`
	ToolChoice *apiToolChoice `json:"tool_choice,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type apiToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type apiContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type apiResponse struct {
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
