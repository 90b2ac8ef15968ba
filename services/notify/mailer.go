// Package notify sends transactional email about designer orders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradeloft/marketplace/internal/httputil"
	"github.com/tradeloft/marketplace/supabase/client"
)

// Email is one outgoing message.
type Email struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// =============================================================================
// HTTP mailer
// =============================================================================

// HTTPMailer posts to a Resend-compatible email API.
type HTTPMailer struct {
	api  *httputil.APIClient
	from string
}

// NewHTTPMailer creates a mailer for the API at baseURL.
func NewHTTPMailer(baseURL, apiKey, from string, logger logrus.FieldLogger) *HTTPMailer {
	return &HTTPMailer{
		api: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:    baseURL,
			BearerKey:  apiKey,
			HTTPClient: client.NewResilientHTTPClient("email", 15*time.Second, logger),
		}),
		from: from,
	}
}

type sendRequest struct {
	From string `json:"from"`
	Email
}

type sendResponse struct {
	ID string `json:"id"`
}

func (m *HTTPMailer) Send(ctx context.Context, e Email) error {
	if len(e.To) == 0 {
		return errors.New("email has no recipients")
	}
	resp, err := m.api.Post(ctx, "/emails", sendRequest{From: m.from, Email: e})
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	var out sendResponse
	if err := httputil.DecodeResponse(resp, &out); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if out.ID == "" {
		return errors.New("send email: response carried no id")
	}
	return nil
}

// =============================================================================
// Log mailer
// =============================================================================

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	logger logrus.FieldLogger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger logrus.FieldLogger) *LogMailer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, e Email) error {
	m.logger.WithFields(logrus.Fields{
		"to":      strings.Join(e.To, ","),
		"subject": e.Subject,
	}).Info("email not sent, no email API configured")
	return nil
}
