package llm

// NewFunctionTool wraps a function declaration as a chat tool.
func NewFunctionTool(name, description string, parameters any) Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// NewToolCall builds an assistant tool-call descriptor.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{
		ID:   id,
		Type: "function",
		Function: ToolCallFunction{
			Name:      name,
			Arguments: arguments,
		},
	}
}
