// File: internal/notification/email.go
package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/models"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// SendMailFunc matches smtp.SendMail
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers alerts over SMTP
type EmailSender struct {
	config   config.EmailConfig
	timeout  time.Duration
	auth     smtp.Auth
	sendMail SendMailFunc
	logger   *logrus.Entry
}

// NewEmailSender creates an SMTP sender. Plain connections upgrade with STARTTLS when the
// server offers it; UseTLS dials implicit TLS instead.
func NewEmailSender(cfg config.EmailConfig, timeout time.Duration) *EmailSender {
	es := &EmailSender{
		config:  cfg,
		timeout: timeout,
		logger:  utils.ComponentLogger("email_sender"),
	}
	if cfg.Username != "" && cfg.Password != "" {
		es.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPHost)
	}
	if cfg.UseTLS {
		es.sendMail = es.sendMailTLS
	} else {
		es.sendMail = smtp.SendMail
	}
	return es
}

// WithSendMail replaces the SMTP transport
func (es *EmailSender) WithSendMail(fn SendMailFunc) *EmailSender {
	es.sendMail = fn
	return es
}

// Channel implements Sender
func (es *EmailSender) Channel() models.Channel {
	return models.ChannelEmail
}

// Send emails the alert to the rule's recipients, falling back to the configured defaults
func (es *EmailSender) Send(ctx context.Context, msg *Message) error {
	recipients := msg.Rule.Notifications.EmailRecipients
	if len(recipients) == 0 {
		recipients = es.config.DefaultTo
	}
	if err := es.validateRecipients(recipients); err != nil {
		return err
	}

	logger := deliveryLogger(es.logger, msg, models.ChannelEmail).WithField("to", maskRecipients(recipients))
	logger.Debug("Sending email")

	body := es.buildEmailMessage(msg, recipients)
	addr := net.JoinHostPort(es.config.SMTPHost, fmt.Sprintf("%d", es.config.SMTPPort))

	// net/smtp ignores ctx; a send still running at cancellation is abandoned
	done := make(chan error, 1)
	go func() {
		done <- es.sendMail(addr, es.auth, es.config.FromEmail, recipients, []byte(body))
	}()

	select {
	case err := <-done:
		if err != nil {
			return utils.WrapError(utils.ErrCodeNotification, "Failed to send email", err)
		}
		return nil
	case <-ctx.Done():
		return utils.WrapError(utils.ErrCodeNotification, "Email delivery timed out", ctx.Err())
	}
}

// sendMailTLS sends over an implicit TLS connection
func (es *EmailSender) sendMailTLS(addr string, auth smtp.Auth, from string, to []string, message []byte) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: es.timeout},
		Config:    &tls.Config{ServerName: es.config.SMTPHost, MinVersion: tls.VersionTLS12},
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect with TLS: %w", err)
	}
	if es.timeout > 0 {
		conn.SetDeadline(time.Now().Add(es.timeout))
	}

	client, err := smtp.NewClient(conn, es.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", recipient, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

// buildEmailMessage renders headers and an HTML table of the alert
func (es *EmailSender) buildEmailMessage(msg *Message, to []string) string {
	var message strings.Builder

	message.WriteString(fmt.Sprintf("From: %s <%s>\r\n", es.config.FromName, es.config.FromEmail))
	message.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	message.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject()))
	message.WriteString("MIME-Version: 1.0\r\n")
	message.WriteString("Content-Type: text/html; charset=UTF-8\r\n")

	switch msg.Alert.Severity {
	case models.SeverityCritical, models.SeverityHigh:
		message.WriteString("X-Priority: 1\r\n")
		message.WriteString("Importance: high\r\n")
	case models.SeverityLow:
		message.WriteString("X-Priority: 5\r\n")
		message.WriteString("Importance: low\r\n")
	}

	message.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	message.WriteString("\r\n")

	message.WriteString("<html><body>")
	message.WriteString(fmt.Sprintf("<h2>%s</h2>", html.EscapeString(msg.Alert.Title)))
	message.WriteString("<table border='1' cellpadding='5' cellspacing='0'>")
	for _, field := range msg.Fields() {
		message.WriteString(fmt.Sprintf("<tr><td><strong>%s</strong></td><td>%s</td></tr>",
			html.EscapeString(field[0]), html.EscapeString(field[1])))
	}
	message.WriteString("</table>")
	message.WriteString("</body></html>")

	return message.String()
}

func (es *EmailSender) validateRecipients(to []string) error {
	if len(to) == 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Email recipients are required", "")
	}
	for _, email := range to {
		if !isValidEmail(email) {
			return utils.NewAppError(utils.ErrCodeValidation, "Invalid email address", email)
		}
	}
	return nil
}

// isValidEmail performs basic email validation
func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}

	local, domain := parts[0], parts[1]
	if len(local) == 0 || len(domain) == 0 {
		return false
	}

	return len(local) <= 64 && len(domain) <= 253
}
