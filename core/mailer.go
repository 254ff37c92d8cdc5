package core

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"

	"github.com/samber/oops"
	"gopkg.in/gomail.v2"
)

// Mailer delivers verification mails.
type Mailer interface {
	SendVerification(ctx context.Context, job MailJob) error
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer sends mails through an SMTP relay.
type SMTPMailer struct {
	from      string
	verifyURL string
	sender    mailSender
	logger    *slog.Logger
}

// NewSMTPMailer returns a mailer for the SMTP settings in cfg.
func NewSMTPMailer(cfg Config, logger *slog.Logger) *SMTPMailer {
	return &SMTPMailer{
		from:      cfg.MailFrom,
		verifyURL: cfg.VerifyURL,
		sender:    gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
		logger:    logger,
	}
}

// SendVerification mails the one-time password in job to its recipient.
func (m *SMTPMailer) SendVerification(ctx context.Context, job MailJob) error {
	if strings.TrimSpace(job.Email) == "" {
		return oops.Code("MAIL_INVALID_JOB").With("job_id", job.ID).Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := m.verificationMessage(job)
	if err := m.sender.DialAndSend(msg); err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("job_id", job.ID).
			With("user_id", job.UserID).
			Wrap(err)
	}

	m.logger.InfoContext(ctx, "verification mail sent", "job_id", job.ID, "user_id", job.UserID)
	return nil
}

func (m *SMTPMailer) verificationMessage(job MailJob) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", job.Email)
	msg.SetHeader("Subject", "Verify your email address")
	link := verificationLink(m.verifyURL, job.Email, job.Code)
	msg.SetBody("text/plain", verificationText(job.Username, link))
	msg.AddAlternative("text/html", verificationHTML(job.Username, link))
	return msg
}

func verificationLink(base, email, code string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("code", code)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func verificationText(username, link string) string {
	return fmt.Sprintf("Hello %s,\n\nconfirm your email address by opening the link below:\n\n%s\n\nIf you did not create an account, ignore this mail.\n", username, link)
}

func verificationHTML(username, link string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <p>Hello %s,</p>
    <p>confirm your email address by opening the link below:</p>
    <p><a href="%s">Verify email</a></p>
    <p>If you did not create an account, ignore this mail.</p>
  </div>
</body>
</html>`, html.EscapeString(username), html.EscapeString(link))
}
