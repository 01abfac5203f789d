// Package llm talks to language model backends: a relay endpoint that fronts
// a hosted model, or the Anthropic Messages API directly.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Turn is one prior message forwarded as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces a reply to message given prior turns.
type Completer interface {
	Complete(ctx context.Context, message string, history []Turn) (string, error)
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Status  int
	Details json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm upstream http %d: %s", e.Status, string(e.Details))
}

var defaultHTTPClient = &http.Client{Timeout: 60 * time.Second}
