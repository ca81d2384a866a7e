package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"coursehub-backend/config"
	"coursehub-backend/models"
	"coursehub-backend/utils"
)

// SMSSender delivers a short text and reports the channel it used.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (channel string, err error)
}

// twilioTimeout bounds each API call; CreateMessage does not take a context.
const twilioTimeout = 15 * time.Second

type TwilioSender struct {
	client       *twilio.RestClient
	fromPhone    string
	fromWhatsApp string
}

var _ SMSSender = (*TwilioSender)(nil)

// NewSMSSender returns nil when Twilio is not configured.
func NewSMSSender(cfg config.Config) SMSSender {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return nil
	}
	if cfg.TwilioPhoneNumber == "" && cfg.TwilioWhatsAppNumber == "" {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	client.SetTimeout(twilioTimeout)
	return &TwilioSender{
		client:       client,
		fromPhone:    cfg.TwilioPhoneNumber,
		fromWhatsApp: cfg.TwilioWhatsAppNumber,
	}
}

// route picks WhatsApp for E.164 numbers when a WhatsApp sender exists.
func (s *TwilioSender) route(phone string) (to, from, channel string) {
	phone = utils.NormalizePhone(phone)
	if s.fromWhatsApp != "" && utils.IsE164(phone) {
		return "whatsapp:" + phone, "whatsapp:" + s.fromWhatsApp, models.ChannelWhatsApp
	}
	return phone, s.fromPhone, models.ChannelSMS
}

func (s *TwilioSender) SendSMS(ctx context.Context, phone, body string) (string, error) {
	to, from, channel := s.route(phone)
	if from == "" {
		return channel, errors.New("no twilio sender number configured")
	}
	if err := ctx.Err(); err != nil {
		return channel, err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return channel, errors.Wrapf(err, "twilio send to %s", to)
	}
	return channel, nil
}
