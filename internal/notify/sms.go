package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukerupert/brewpoints/internal/model"
)

const twilioBaseURL = "https://api.twilio.com"

// SMS sends codes through the Twilio Messages API.
type SMS struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

func NewSMS(accountSID, authToken, from string, opts ...Option) *SMS {
	return &SMS{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    twilioBaseURL,
		httpClient: applyOptions(opts).httpClient,
	}
}

func (s *SMS) Configured() bool {
	return s.accountSID != "" && s.authToken != "" && s.from != ""
}

func (s *SMS) Send(ctx context.Context, to model.Contact, code string, purpose model.OTPPurpose) error {
	if !s.Configured() {
		return fmt.Errorf("sms notifier not configured: missing account credentials")
	}
	if to.Phone == "" {
		return errors.New("sms notifier: contact has no phone number")
	}

	_, text := messageFor(code, purpose)
	form := url.Values{}
	form.Set("To", to.Phone)
	form.Set("From", s.from)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.accountSID, s.authToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("twilio API error: status %d", resp.StatusCode)
	}
	return nil
}
