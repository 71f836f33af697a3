// Package alert notifies operators when a submission fails permanently with a
// critical classification.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notifier delivers critical alerts.
type Notifier interface {
	NotifyCritical(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis, message string) error
}

// Format renders the alert text sent to operators.
func Format(sub *models.Submission, analysis models.ErrorAnalysis, message string) string {
	return fmt.Sprintf("[SyncPipe] submission %s (%s -> %s) failed permanently after %d retries: %s [%s/%s]",
		sub.ID, sub.FormName, sub.TargetModule, sub.RetryCount, message, analysis.Category, analysis.Severity)
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

// NotifyCritical implements Notifier.
func (LogNotifier) NotifyCritical(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis, message string) error {
	slog.Error("LogNotifier.NotifyCritical: critical submission failure",
		"submissionID", sub.ID, "form", sub.FormName, "category", analysis.Category,
		"retryCount", sub.RetryCount, "message", message)
	return nil
}

// messageCreator is the part of the Twilio REST API the notifier needs.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         []string
}

// Option defines a configuration option for the Twilio notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithRecipients sets the on-call numbers that receive alerts.
func WithRecipients(to ...string) Option {
	return func(o *Opts) { o.To = append(o.To, to...) }
}

// TwilioNotifier sends alerts as SMS through Twilio.
type TwilioNotifier struct {
	api  messageCreator
	from string
	to   []string
}

// NewTwilioNotifier creates a notifier. Unset options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and the
// comma-separated ALERT_TO_NUMBERS.
func NewTwilioNotifier(opts ...Option) (*TwilioNotifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if len(cfg.To) == 0 {
		cfg.To = splitNumbers(os.Getenv("ALERT_TO_NUMBERS"))
	}
	slog.Debug("NewTwilioNotifier: config loaded",
		"AccountSID_set", cfg.AccountSID != "", "AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "", "recipients", len(cfg.To))

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("at least one alert recipient must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{api: client.Api, from: cfg.From, to: cfg.To}, nil
}

// NotifyCritical sends the alert to every recipient and returns the first
// delivery error.
func (n *TwilioNotifier) NotifyCritical(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis, message string) error {
	body := Format(sub, analysis, message)
	var firstErr error
	for _, to := range n.to {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(n.from)
		params.SetBody(body)
		if _, err := n.api.CreateMessage(params); err != nil {
			slog.Error("TwilioNotifier.NotifyCritical: send failed", "to", to, "submissionID", sub.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to send alert to %s: %w", to, err)
			}
			continue
		}
		slog.Info("TwilioNotifier.NotifyCritical: alert sent", "to", to, "submissionID", sub.ID)
	}
	return firstErr
}

func splitNumbers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MockNotifier records alerts in memory.
type MockNotifier struct {
	mu     sync.Mutex
	Alerts []SentAlert
	Err    error
}

// SentAlert is one alert captured by MockNotifier.
type SentAlert struct {
	SubmissionID string
	Category     models.ErrorCategory
	Message      string
}

// NewMockNotifier creates an empty MockNotifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// NotifyCritical implements Notifier.
func (m *MockNotifier) NotifyCritical(ctx context.Context, sub *models.Submission, analysis models.ErrorAnalysis, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, SentAlert{SubmissionID: sub.ID, Category: analysis.Category, Message: message})
	return m.Err
}

// Sent returns a copy of the captured alerts.
func (m *MockNotifier) Sent() []SentAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentAlert(nil), m.Alerts...)
}
