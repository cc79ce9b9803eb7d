package predictions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPWriter posts each batch as {"records": [...]} to an ingestion endpoint.
type HTTPWriter struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPWriter returns a writer for url. token, when set, is sent as a
// bearer token.
func NewHTTPWriter(url, token string, timeout time.Duration) *HTTPWriter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWriter{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

func (w *HTTPWriter) Write(ctx context.Context, records []Record) error {
	body, err := json.Marshal(struct {
		Records []Record `json:"records"`
	}{records})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingestion endpoint returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
