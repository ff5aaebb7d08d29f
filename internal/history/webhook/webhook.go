// Package webhook posts events as JSON to an HTTP endpoint, for chat or
// paging integrations that accept incoming webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loykin/guardian/internal/history"
)

// Sink posts one JSON document per event.
type Sink struct {
	client  *http.Client
	url     string
	headers map[string]string
}

type payload struct {
	history.Event
	Text string `json:"text"`
}

// New returns a sink posting to url. headers are added to every request.
func New(url string, headers map[string]string) *Sink {
	return &Sink{client: &http.Client{Timeout: 5 * time.Second}, url: url, headers: headers}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(payload{
		Event: e,
		Text:  fmt.Sprintf("[%s] %s: %s", e.Severity, e.Process, e.Message),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink status %d", resp.StatusCode)
	}
	return nil
}
