// Package notification delivers questionnaire completion notices. Delivery is
// best effort: callers log a failed notice and carry on.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// CompletionNotice is sent after a questionnaire reaches completed.
type CompletionNotice struct {
	PatientID       string `json:"patientId"`
	QuestionnaireID string `json:"questionnaireId"`
	Title           string `json:"title"`
	Answered        int    `json:"answered"`
	Total           int    `json:"total"`
}

// Notifier is the delivery collaborator consumed by the replica manager.
type Notifier interface {
	NotifyCompletion(ctx context.Context, n CompletionNotice) error
}

// ---------------------------------------------------------------------------
// Log notifier
// ---------------------------------------------------------------------------

// LogNotifier writes notices to the log. It is the default when no mail
// relay is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyCompletion(_ context.Context, c CompletionNotice) error {
	n.logger.Info().
		Str("patient_id", c.PatientID).
		Str("questionnaire_id", c.QuestionnaireID).
		Str("title", c.Title).
		Int("answered", c.Answered).
		Int("total", c.Total).
		Msg("questionnaire completed")
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

const TemplateCompleted = "questionnaire-completed"

// Template is a notice layout with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine holds templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the completion template
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.RegisterTemplate(Template{
		ID:      TemplateCompleted,
		Subject: "Questionnaire completed: {{title}}",
		Body:    "Patient {{patient_id}} completed \"{{title}}\" ({{questionnaire_id}}): {{answered}} of {{total}} questions answered.",
	})
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Email notifier
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// EmailNotifier renders the completion template and mails it to a fixed
// care-team address.
type EmailNotifier struct {
	sender    EmailSender
	templates *TemplateEngine
	to        string
}

func NewEmailNotifier(sender EmailSender, templates *TemplateEngine, to string) *EmailNotifier {
	return &EmailNotifier{sender: sender, templates: templates, to: to}
}

func (n *EmailNotifier) NotifyCompletion(ctx context.Context, c CompletionNotice) error {
	subject, body, err := n.templates.Render(TemplateCompleted, map[string]string{
		"patient_id":       c.PatientID,
		"questionnaire_id": c.QuestionnaireID,
		"title":            c.Title,
		"answered":         strconv.Itoa(c.Answered),
		"total":            strconv.Itoa(c.Total),
	})
	if err != nil {
		return err
	}
	if err := n.sender.SendEmail(ctx, n.to, subject, body); err != nil {
		return fmt.Errorf("send completion notice: %w", err)
	}
	return nil
}

// SMTPSender relays mail through a plain SMTP server.
type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth
}

// NewSMTPSender creates a sender for addr (host:port). auth may be nil.
func NewSMTPSender(addr, from string, auth smtp.Auth) *SMTPSender {
	return &SMTPSender{addr: addr, from: from, auth: auth}
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := "From: " + s.from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" + body + "\r\n"
	return smtp.SendMail(s.addr, s.auth, s.from, []string{to}, []byte(msg))
}

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockNotifier records notices and optionally fails.
type MockNotifier struct {
	mu      sync.Mutex
	notices []CompletionNotice
	Err     error
}

func (m *MockNotifier) NotifyCompletion(_ context.Context, c CompletionNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, c)
	return m.Err
}

// Notices returns a copy of the recorded notices.
func (m *MockNotifier) Notices() []CompletionNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionNotice, len(m.notices))
	copy(out, m.notices)
	return out
}
