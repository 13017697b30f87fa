package domain

// ChatRequest is the body sent to the chat endpoint for one user message.
// ThreadID is null until the endpoint has assigned a conversation thread.
type ChatRequest struct {
	Input    string  `json:"input"`
	ThreadID *string `json:"threadId"`
}

// ChatReply is the body returned by the chat endpoint. Either field may be absent.
type ChatReply struct {
	ThreadID string `json:"threadId,omitempty"`
	Response string `json:"response,omitempty"`
}

// HasThread reports whether the reply carries a thread identifier.
func (r *ChatReply) HasThread() bool {
	return r != nil && r.ThreadID != ""
}

// HasResponse reports whether the reply carries assistant text.
func (r *ChatReply) HasResponse() bool {
	return r != nil && r.Response != ""
}
