package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// fetchRequest/fetchResponse are the JSON shapes host_http_fetch speaks
// to guest modules: a capability-restricted HTTP client exposed by the
// host. Only GET/POST with a flat header map and a body are supported;
// there is no streaming, no cookie jar, no TLS override.
type fetchRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

type fetchResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body,omitempty"`
}

func doHostFetch(ctx context.Context, client *http.Client, data []byte) (int, []byte, error) {
	var req fetchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return 0, nil, err
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return 0, nil, fmt.Errorf("host_http_fetch: method %q not allowed", req.Method)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func encodeFetchResponse(status int, body []byte) []byte {
	out, err := json.Marshal(fetchResponse{Status: status, Body: body})
	if err != nil {
		return []byte(`{"status":0}`)
	}
	return out
}
