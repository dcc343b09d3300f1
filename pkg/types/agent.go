package types

// AgentModel selects which Claude model backs a callAgent invocation.
type AgentModel string

const (
	AgentModelHaiku  AgentModel = "haiku"
	AgentModelSonnet AgentModel = "sonnet"
	AgentModelOpus   AgentModel = "opus"
)

// AgentRequest is the callAgent input exposed to listeners.
type AgentRequest struct {
	Prompt string                 `json:"prompt"`
	Schema map[string]interface{} `json:"schema"`
	Model  AgentModel             `json:"model,omitempty"`
}

// AgentResponse is the structured payload callAgent returns, taken from
// the model's forced tool_use block.
type AgentResponse struct {
	Payload map[string]interface{} `json:"payload"`
}
