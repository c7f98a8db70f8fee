// Package notification delivers transactional email. Senders move a
// rendered Message; the Mailer renders one per flow.
package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
)

// Message is a rendered email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Sender delivers one message. A nil error means the message was accepted
// for delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender only logs recipients and subjects. Bodies carry codes and
// links and are never logged.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("Email not delivered (log notifier)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}

// SMTPSender delivers over SMTP. Port 465 uses implicit TLS; other ports
// upgrade with STARTTLS when the server offers it.
type SMTPSender struct {
	host     string
	opts     []mail.Option
	from     string
	fromName string
}

func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	if cfg.SMTPHost == "" {
		return nil, errors.New("SMTP host is not configured")
	}
	if err := mail.NewMsg().From(cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(15 * time.Second),
		mail.WithTLSConfig(&tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12}),
	}
	if port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPassword),
		)
	}
	// Fail on bad options now rather than on the first send.
	if _, err := mail.NewClient(cfg.SMTPHost, opts...); err != nil {
		return nil, fmt.Errorf("invalid SMTP settings: %w", err)
	}

	return &SMTPSender{
		host:     cfg.SMTPHost,
		opts:     opts,
		from:     cfg.From,
		fromName: cfg.FromName,
	}, nil
}

// Send opens one SMTP session per message, so concurrent sends never share
// a connection.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.compose(msg)
	if err != nil {
		return err
	}
	c, err := mail.NewClient(s.host, s.opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// compose builds a multipart/alternative message with text and HTML parts.
func (s *SMTPSender) compose(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(s.fromName, s.from); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
	}
	return m, nil
}

// Publisher is satisfied by client.AMQPPublisher.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// QueueSender hands messages to a mail worker through RabbitMQ.
type QueueSender struct {
	publisher  Publisher
	exchange   string
	routingKey string
}

func NewQueueSender(publisher Publisher, cfg config.RabbitMQConfig) *QueueSender {
	return &QueueSender{
		publisher:  publisher,
		exchange:   cfg.MailExchange,
		routingKey: cfg.MailRoutingKey,
	}
}

func (s *QueueSender) Send(ctx context.Context, msg Message) error {
	if err := s.publisher.Publish(ctx, s.exchange, s.routingKey, msg); err != nil {
		return fmt.Errorf("failed to queue email: %w", err)
	}
	return nil
}
