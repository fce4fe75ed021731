// Package notify delivers MFA step-up pushes through an external
// approval webhook and blocks until the user answers or the context
// expires.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts the challenge to an approval endpoint that blocks until
// the user responds. The endpoint owns the actual device interaction.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook requires the approval endpoint URL. The client timeout is
// left to the caller's context; the transport timeout only guards
// connection setup.
func NewWebhook(url string) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("notify: webhook URL is required")
	}
	return &Webhook{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 5 * time.Minute,
			},
		},
	}, nil
}

// DenyAll is the fallback when no webhook is configured: every step-up
// request is a clean denial.
type DenyAll struct{}

func (DenyAll) Push(ctx context.Context, user, message string) (bool, error) {
	return false, nil
}

type pushRequest struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

type pushResponse struct {
	Approved bool `json:"approved"`
}

// Push blocks on the webhook. A non-2xx status or malformed body is an
// error; an explicit {"approved": false} is a clean denial.
func (w *Webhook) Push(ctx context.Context, user, message string) (bool, error) {
	body, err := json.Marshal(pushRequest{User: user, Message: message})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("notify: push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("notify: push status %d", resp.StatusCode)
	}
	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("notify: decode push response: %w", err)
	}
	return out.Approved, nil
}
