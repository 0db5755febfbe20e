package workflow

// StepOutput represents the structured output of a workflow step.
// This replaces the untyped map[string]interface{} for step results.
type StepOutput struct {
	// Text is the primary text output of the step
	Text string `json:"text,omitempty"`

	// Data holds arbitrary structured data returned by the step
	Data any `json:"data,omitempty"`

	// Error contains the error message if the step failed
	Error string `json:"error,omitempty"`
}

// ToMap converts StepOutput to an untyped map for expression evaluation.
// This implements the StepOutputConverter interface for the expression
// package. The expression layer requires untyped maps due to expr-lang
// limitations.
func (s StepOutput) ToMap() map[string]interface{} {
	result := make(map[string]interface{})

	if s.Text != "" {
		result["text"] = s.Text
		result["response"] = s.Text // Both "text" and "response" are valid accessors
	}

	if s.Error != "" {
		result["error"] = s.Error
	}

	// Merge Data fields if it's a map, otherwise store as-is
	if dataMap, ok := s.Data.(map[string]interface{}); ok {
		for k, v := range dataMap {
			result[k] = v
		}
	} else if s.Data != nil {
		result["data"] = s.Data
	}

	return result
}
