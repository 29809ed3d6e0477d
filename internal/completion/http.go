package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPService calls a generic completion endpoint: POST {"payload": ...}
// returning {"result": ...}. Used when the completion service is an
// internal gateway rather than a vendor API.
type HTTPService struct {
	url    string
	client *http.Client
}

// NewHTTPService creates an HTTP completion adapter. Per-call deadlines
// come from the caller's context; the client itself carries no timeout.
func NewHTTPService(url string) *HTTPService {
	return &HTTPService{
		url:    url,
		client: &http.Client{},
	}
}

type generateRequest struct {
	Payload string `json:"payload"`
}

type generateResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Generate posts the payload and returns the generated result.
func (s *HTTPService) Generate(ctx context.Context, payload string) (string, error) {
	start := time.Now()
	defer observe(start)

	body, err := json.Marshal(generateRequest{Payload: payload})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &Error{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &Error{
			Status:    resp.StatusCode,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, data),
		}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Retryable: true, Err: err}
	}
	if out.Error != "" {
		return "", &Error{Status: resp.StatusCode, Retryable: false, Err: fmt.Errorf("%s", out.Error)}
	}
	return out.Result, nil
}
