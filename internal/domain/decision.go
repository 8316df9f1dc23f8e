package domain

// Decision is the outcome of one orchestrated turn. Message is always
// user-presentable; Intent and Entities are only meaningful when Ready.
type Decision struct {
	Message  string         `json:"message"`
	Ready    bool           `json:"ready"`
	Intent   string         `json:"intent,omitempty"`
	Entities map[string]any `json:"entities,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Command is a finalized request handed to the Command Executor.
type Command struct {
	UserID   string         `json:"userId"`
	Intent   string         `json:"intent"`
	Entities map[string]any `json:"entities"`
}

// ExecutionResult is what the Command Executor reports back.
type ExecutionResult struct {
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}
