package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/dukerupert/brewpoints/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// Email sends codes through Postmark.
type Email struct {
	serverToken string
	fromEmail   string
	httpClient  *http.Client
}

type options struct {
	httpClient *http.Client
}

type Option func(*options)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func applyOptions(opts []Option) options {
	o := options{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewEmail(serverToken, fromEmail string, opts ...Option) *Email {
	return &Email{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		httpClient:  applyOptions(opts).httpClient,
	}
}

// Configured returns true if the server token is set.
func (e *Email) Configured() bool {
	return e.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func (e *Email) Send(ctx context.Context, to model.Contact, code string, purpose model.OTPPurpose) error {
	if !e.Configured() {
		return fmt.Errorf("email notifier not configured: missing server token")
	}
	if to.Email == "" {
		return errors.New("email notifier: contact has no email address")
	}

	subject, text := messageFor(code, purpose)
	payload := postmarkEmail{
		From:     e.fromEmail,
		To:       to.Email,
		Subject:  subject,
		HtmlBody: "<p>" + html.EscapeString(text) + "</p>",
		TextBody: text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", e.serverToken)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}
	return nil
}
