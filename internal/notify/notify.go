// Package notify delivers terminal run failures to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/nadmax/activity-etl/internal/config"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Failure struct {
	RunID       string
	LogicalDate string
	Task        string
	Summary     string
}

type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure) error
}

// LogNotifier only writes the failure to the process log.
type LogNotifier struct{}

func (LogNotifier) NotifyFailure(_ context.Context, f Failure) error {
	log.Printf("ETL run %s (%s) failed at task %s: %s", f.RunID, f.LogicalDate, f.Task, f.Summary)
	return nil
}

type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailNotifier sends one SendGrid message per failure to every recipient.
type EmailNotifier struct {
	client     sender
	from       *mail.Email
	recipients []string
}

func NewEmailNotifier(cfg config.NotifyConfig) (*EmailNotifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("email api key is required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, errors.New("at least one alert recipient is required")
	}

	return &EmailNotifier{
		client:     sendgrid.NewSendClient(cfg.APIKey),
		from:       mail.NewEmail(cfg.FromName, cfg.FromAddress),
		recipients: cfg.Recipients,
	}, nil
}

func (n *EmailNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	subject := fmt.Sprintf("[activity-etl] run %s failed at %s", f.LogicalDate, f.Task)
	body := failureBody(f)

	p := mail.NewPersonalization()
	for _, r := range n.recipients {
		p.AddTos(mail.NewEmail("", r))
	}

	email := mail.NewV3Mail()
	email.SetFrom(n.from)
	email.Subject = subject
	email.AddPersonalizations(p)
	email.AddContent(mail.NewContent("text/plain", body))

	response, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send failure email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.Printf("Failure notification for run %s sent to %d recipient(s) (status: %d)", f.RunID, len(n.recipients), response.StatusCode)
	return nil
}

func failureBody(f Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:          %s\n", f.RunID)
	fmt.Fprintf(&b, "Logical date: %s\n", f.LogicalDate)
	fmt.Fprintf(&b, "Failed task:  %s\n\n", f.Task)
	b.WriteString(f.Summary)
	b.WriteString("\n\nRe-run the date once the cause is fixed.\n")
	return b.String()
}

// New returns an email notifier when an API key is configured and a log
// notifier otherwise.
func New(cfg config.NotifyConfig) (Notifier, error) {
	if cfg.APIKey == "" {
		return LogNotifier{}, nil
	}
	return NewEmailNotifier(cfg)
}
