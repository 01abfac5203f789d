package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// EndpointClient posts to a relay endpoint that forwards to a hosted model.
// Such endpoints answer with either {"message": ...} or {"response": ...}.
type EndpointClient struct {
	URL        string
	HTTPClient *http.Client
}

type endpointRequest struct {
	Message string `json:"message"`
	Context []Turn `json:"context"`
}

type endpointResponse struct {
	Message  string `json:"message"`
	Response string `json:"response"`
}

func (c *EndpointClient) Complete(ctx context.Context, message string, history []Turn) (string, error) {
	if c.URL == "" {
		return "", errors.New("relay url not configured")
	}
	if history == nil {
		history = []Turn{}
	}
	body, err := json.Marshal(endpointRequest{Message: message, Context: history})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	httpc := c.HTTPClient
	if httpc == nil {
		httpc = defaultHTTPClient
	}
	res, err := httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		details, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &StatusError{Status: res.StatusCode, Details: details}
	}

	var out endpointResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Message != "" {
		return out.Message, nil
	}
	return out.Response, nil
}
