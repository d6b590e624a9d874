// Package mail delivers transactional messages for the verification and
// reset flows.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
)

// Mailer sends one message. Implementations must not retry on their own;
// a failed dispatch is reported to the caller and stops the request.
type Mailer interface {
	Send(ctx context.Context, to, subject, templateName string, data map[string]string) error
}

// Template names known to the built-in mailer.
const (
	TemplateVerifyEmail   = "verify-email"
	TemplateResetPassword = "reset-password"
)

var bodyTemplates = map[string]string{
	TemplateVerifyEmail: "Hello,\n\n" +
		"Please confirm your email address for {{.AppName}} by following the link below:\n\n" +
		"{{.Link}}\n\n" +
		"The link expires in {{.TTL}}.\n\n" +
		"The {{.AppName}} Team",
	TemplateResetPassword: "Hello,\n\n" +
		"A password reset was requested for your {{.AppName}} account. Follow the link below to choose a new password:\n\n" +
		"{{.Link}}\n\n" +
		"The link expires in {{.TTL}}. If you did not request this, you can ignore this message.\n\n" +
		"The {{.AppName}} Team",
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	AppName  string
}

// SMTP sends plain-text mail over an authenticated SMTP connection.
type SMTP struct {
	config    SMTPConfig
	templates map[string]*template.Template
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("mail: smtp host and port required")
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}

	templates := make(map[string]*template.Template, len(bodyTemplates))
	for name, text := range bodyTemplates {
		tmpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("mail: parse template %s: %w", name, err)
		}
		templates[name] = tmpl
	}
	return &SMTP{config: cfg, templates: templates}, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, templateName string, data map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmpl, ok := s.templates[templateName]
	if !ok {
		return fmt.Errorf("mail: unknown template %q", templateName)
	}
	if data == nil {
		data = map[string]string{}
	}
	if _, ok := data["AppName"]; !ok {
		data["AppName"] = s.config.AppName
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("mail: render %s: %w", templateName, err)
	}

	// RFC 822 message, CRLF line endings, blank line between headers
	// and body.
	headers := []string{
		"From: " + s.config.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body.String(),
	}
	message := strings.Join(headers, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	auth := smtp.PlainAuth("", s.config.User, s.config.Password, s.config.Host)
	if err := smtp.SendMail(addr, auth, s.config.From, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	return nil
}
