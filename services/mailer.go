package services

import (
	"context"
	"net/http"
	"net/mail"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"coursehub-backend/config"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

type EmailMessage struct {
	To      mail.Address
	Subject string

	TemplateName string
	TemplateData interface{}

	TextContent string
	HTMLContent string
}

func (m *EmailMessage) HasContent() bool { return m.TextContent != "" || m.HTMLContent != "" }

// Mailer delivers one rendered message.
type Mailer interface {
	Send(ctx context.Context, msg *EmailMessage) error
}

// NewMailer returns nil when no mail driver is configured.
func NewMailer(cfg config.Config, log zerolog.Logger) (Mailer, error) {
	from := mail.Address{Name: cfg.MailFromName, Address: cfg.MailFromAddress}
	prefix := "[" + cfg.AppName + "] "

	switch cfg.MailDriver {
	case "":
		return nil, nil
	case "console":
		return &ConsoleMailer{from: from, subjPrefix: prefix, log: log}, nil
	case "sendgrid":
		if cfg.SendgridAPIKey == "" {
			return nil, errors.New("MAIL_DRIVER=sendgrid requires SENDGRID_API_KEY")
		}
		return NewSendgridMailer(cfg.SendgridAPIKey, from, prefix), nil
	default:
		return nil, errors.Errorf("unknown MAIL_DRIVER %q", cfg.MailDriver)
	}
}

type SendgridMailer struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

var _ Mailer = (*SendgridMailer)(nil)

func NewSendgridMailer(key string, from mail.Address, subjPrefix string) *SendgridMailer {
	return &SendgridMailer{
		key:        key,
		host:       sendgridHost,
		from:       sgmail.NewEmail(from.Name, from.Address),
		subjPrefix: subjPrefix,
	}
}

func (s *SendgridMailer) prepare(msg *EmailMessage) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + msg.Subject
	p.AddTos(sgmail.NewEmail(msg.To.Name, msg.To.Address))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	if msg.TextContent != "" {
		m.AddContent(sgmail.NewContent("text/plain", msg.TextContent))
	}
	if msg.HTMLContent != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTMLContent))
	}
	return m
}

func (s *SendgridMailer) Send(ctx context.Context, msg *EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !msg.HasContent() {
		return errors.Errorf("email %q has no body", msg.Subject)
	}
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(msg))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return errors.Wrap(err, "sendgrid request")
	}
	if res.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("sendgrid status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}

// ConsoleMailer logs messages instead of delivering them.
type ConsoleMailer struct {
	from       mail.Address
	subjPrefix string
	log        zerolog.Logger
}

var _ Mailer = (*ConsoleMailer)(nil)

func (c *ConsoleMailer) Send(ctx context.Context, msg *EmailMessage) error {
	if !msg.HasContent() {
		return errors.Errorf("email %q has no body", msg.Subject)
	}
	c.log.Info().
		Str("from", c.from.String()).
		Str("to", msg.To.String()).
		Str("subject", c.subjPrefix+msg.Subject).
		Str("body", msg.TextContent).
		Msg("email")
	return nil
}
