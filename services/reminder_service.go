// services/reminder_service.go
package services

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"coursehub-backend/models"
	"coursehub-backend/utils"
)

// ReminderResult counts the emails a batch delivered.
type ReminderResult struct {
	RemarketingSent int `json:"remarketingSent"`
	ExpirySent      int `json:"expirySent"`
}

// ReminderBatchRunner sends the daily remarketing and expiry emails.
type ReminderBatchRunner interface {
	SendReminders(ctx context.Context) (ReminderResult, error)
}

type ReminderOptions struct {
	AppName     string
	FrontendURL string

	RemarketingDelay time.Duration
	ExpiryWindow     time.Duration
	RatePerSec       int

	// Location is used for "days left" and the dates printed in emails.
	Location *time.Location
}

type ReminderService struct {
	db       *gorm.DB
	mailer   Mailer
	sms      SMSSender
	renderer *Renderer
	limiter  *rate.Limiter
	log      zerolog.Logger
	metrics  *Metrics
	opts     ReminderOptions

	now func() time.Time
}

var _ ReminderBatchRunner = (*ReminderService)(nil)

// NewReminderService wires the batch runner. mailer and sms may be nil.
func NewReminderService(db *gorm.DB, mailer Mailer, sms SMSSender, opts ReminderOptions, log zerolog.Logger, metrics *Metrics) (*ReminderService, error) {
	renderer, err := NewRenderer(opts.AppName, opts.FrontendURL)
	if err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RemarketingDelay <= 0 {
		opts.RemarketingDelay = 24 * time.Hour
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = 72 * time.Hour
	}
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}

	return &ReminderService{
		db:       db,
		mailer:   mailer,
		sms:      sms,
		renderer: renderer,
		limiter:  limiter,
		log:      log.With().Str("component", "reminders").Logger(),
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}, nil
}

type reminderEmailData struct {
	UserName    string
	CourseTitle string
	PlanName    string
	DaysLeft    int
	ExpiresOn   string
	ActionURL   string
}

type reminderRef struct {
	user           models.User
	orderID        *uuid.UUID
	subscriptionID *uuid.UUID
}

func (s *ReminderService) SendReminders(ctx context.Context) (ReminderResult, error) {
	var res ReminderResult
	if s.mailer == nil {
		s.log.Warn().Msg("no mail driver configured, skipping reminders")
		return res, nil
	}

	now := s.now().UTC()
	s.log.Info().Time("now", now).Msg("starting reminder batch")

	n, err := s.sendRemarketing(ctx, now)
	res.RemarketingSent = n
	if err != nil {
		return res, err
	}

	n, err = s.sendSubscriptionExpiry(ctx, now)
	res.ExpirySent += n
	if err != nil {
		return res, err
	}

	n, err = s.sendAccessExpiry(ctx, now)
	res.ExpirySent += n
	if err != nil {
		return res, err
	}

	s.log.Info().
		Int("remarketing_sent", res.RemarketingSent).
		Int("expiry_sent", res.ExpirySent).
		Msg("reminder batch completed")
	return res, nil
}

// sendRemarketing targets checkouts left pending for longer than the
// remarketing delay, once per order.
func (s *ReminderService) sendRemarketing(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.opts.RemarketingDelay)

	var orders []models.Order
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Course").
		Joins("JOIN users ON users.id = orders.user_id AND users.deleted_at IS NULL").
		Where("orders.status = ? AND orders.remarketing_sent_at IS NULL AND orders.created_at <= ?", models.OrderPending, cutoff).
		Where("users.marketing_opt_out = ? AND users.is_active = ?", false, true).
		Where(`NOT EXISTS (SELECT 1 FROM orders paid WHERE paid.user_id = orders.user_id
			AND paid.course_id = orders.course_id AND paid.status = ? AND paid.deleted_at IS NULL)`, models.OrderPaid).
		Order("orders.created_at").
		Find(&orders).Error
	if err != nil {
		return 0, errors.Wrap(err, "query remarketing orders")
	}

	sent := 0
	for i := range orders {
		order := &orders[i]
		msg := &EmailMessage{
			To:           mail.Address{Name: order.User.Name, Address: order.User.Email},
			Subject:      fmt.Sprintf("Finish enrolling in %s", order.Course.Title),
			TemplateName: TemplateRemarketing,
			TemplateData: reminderEmailData{
				UserName:    order.User.Name,
				CourseTitle: order.Course.Title,
				ActionURL:   s.opts.FrontendURL + "/checkout/" + order.Course.Slug,
			},
		}

		ref := reminderRef{user: order.User, orderID: &order.ID}
		ok, err := s.sendOnce(ctx, &models.Order{}, "remarketing_sent_at", order.ID, now, models.ReminderRemarketing, msg, ref)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *ReminderService) sendSubscriptionExpiry(ctx context.Context, now time.Time) (int, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Plan").
		Joins("JOIN users ON users.id = subscriptions.user_id AND users.deleted_at IS NULL").
		Where("subscriptions.status = ? AND subscriptions.expiry_notified_at IS NULL", models.SubscriptionActive).
		Where("subscriptions.current_period_end >= ? AND subscriptions.current_period_end <= ?", now, now.Add(s.opts.ExpiryWindow)).
		Where("users.is_active = ?", true).
		Order("subscriptions.current_period_end").
		Find(&subs).Error
	if err != nil {
		return 0, errors.Wrap(err, "query expiring subscriptions")
	}

	sent := 0
	for i := range subs {
		sub := &subs[i]
		data := reminderEmailData{
			UserName:  sub.User.Name,
			PlanName:  sub.Plan.Name,
			DaysLeft:  s.daysLeft(now, sub.CurrentPeriodEnd),
			ExpiresOn: s.formatDate(sub.CurrentPeriodEnd),
			ActionURL: s.opts.FrontendURL + "/account/subscription",
		}
		msg := &EmailMessage{
			To:           mail.Address{Name: sub.User.Name, Address: sub.User.Email},
			Subject:      fmt.Sprintf("Your %s subscription ends soon", sub.Plan.Name),
			TemplateName: TemplateSubscriptionExpiry,
			TemplateData: data,
		}
		ref := reminderRef{user: sub.User, subscriptionID: &sub.ID}

		ok, err := s.sendOnce(ctx, &models.Subscription{}, "expiry_notified_at", sub.ID, now, models.ReminderExpiry, msg, ref)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		sent++
		s.deliverSMS(ctx, ref, fmt.Sprintf("%s: your %s subscription ends on %s. Renew at %s",
			s.opts.AppName, data.PlanName, data.ExpiresOn, data.ActionURL))
	}
	return sent, nil
}

func (s *ReminderService) sendAccessExpiry(ctx context.Context, now time.Time) (int, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Course").
		Joins("JOIN users ON users.id = orders.user_id AND users.deleted_at IS NULL").
		Where("orders.status = ? AND orders.expiry_notified_at IS NULL AND orders.access_expires_at IS NOT NULL", models.OrderPaid).
		Where("orders.access_expires_at >= ? AND orders.access_expires_at <= ?", now, now.Add(s.opts.ExpiryWindow)).
		Where("users.is_active = ?", true).
		Order("orders.access_expires_at").
		Find(&orders).Error
	if err != nil {
		return 0, errors.Wrap(err, "query expiring course access")
	}

	sent := 0
	for i := range orders {
		order := &orders[i]
		data := reminderEmailData{
			UserName:    order.User.Name,
			CourseTitle: order.Course.Title,
			DaysLeft:    s.daysLeft(now, *order.AccessExpiresAt),
			ExpiresOn:   s.formatDate(*order.AccessExpiresAt),
			ActionURL:   s.opts.FrontendURL + "/courses/" + order.Course.Slug,
		}
		msg := &EmailMessage{
			To:           mail.Address{Name: order.User.Name, Address: order.User.Email},
			Subject:      fmt.Sprintf("Your access to %s ends soon", order.Course.Title),
			TemplateName: TemplateAccessExpiry,
			TemplateData: data,
		}
		ref := reminderRef{user: order.User, orderID: &order.ID}

		ok, err := s.sendOnce(ctx, &models.Order{}, "expiry_notified_at", order.ID, now, models.ReminderExpiry, msg, ref)
		if err != nil {
			return sent, err
		}
		if !ok {
			continue
		}
		sent++
		s.deliverSMS(ctx, ref, fmt.Sprintf("%s: your access to %s ends on %s. %s",
			s.opts.AppName, data.CourseTitle, data.ExpiresOn, data.ActionURL))
	}
	return sent, nil
}

// sendOnce claims the row by setting its marker column, then sends. Another
// batch running at the same time finds the marker set and skips the row. A
// failed send clears the marker so the row stays eligible for the next run.
func (s *ReminderService) sendOnce(ctx context.Context, model interface{}, column string, id uuid.UUID, now time.Time, kind string, msg *EmailMessage, ref reminderRef) (bool, error) {
	claim := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND "+column+" IS NULL", id).
		Update(column, now)
	if claim.Error != nil {
		return false, errors.Wrapf(claim.Error, "claim %s for %s", column, id)
	}
	if claim.RowsAffected != 1 {
		s.log.Debug().Str("id", id.String()).Str("column", column).Msg("row claimed by another batch")
		return false, nil
	}

	ok, err := s.deliverEmail(ctx, kind, msg, ref)
	if !ok {
		release := s.db.WithContext(context.WithoutCancel(ctx)).Model(model).
			Where("id = ?", id).
			Update(column, gorm.Expr("NULL"))
		if release.Error != nil {
			s.log.Error().Err(release.Error).Str("id", id.String()).Str("column", column).Msg("failed to release reminder claim")
		}
	}
	return ok, err
}

// deliverEmail reports whether the message went out. The error is only
// non-nil when the batch must stop (context done).
func (s *ReminderService) deliverEmail(ctx context.Context, kind string, msg *EmailMessage, ref reminderRef) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, errors.Wrap(err, "reminder batch interrupted")
	}

	err := s.renderer.Render(msg)
	if err == nil {
		err = s.mailer.Send(ctx, msg)
	}
	s.record(ctx, kind, models.ChannelEmail, msg.To.Address, msg.Subject, ref, err)
	if err != nil {
		s.log.Error().Err(err).Str("kind", kind).Str("to", msg.To.Address).Msg("failed to send reminder email")
		return false, nil
	}
	return true, nil
}

func (s *ReminderService) deliverSMS(ctx context.Context, ref reminderRef, body string) {
	if s.sms == nil || !utils.ValidatePhone(ref.user.Phone) {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	channel, err := s.sms.SendSMS(ctx, ref.user.Phone, body)
	s.record(ctx, models.ReminderExpiry, channel, ref.user.Phone, "", ref, err)
	if err != nil {
		s.log.Warn().Err(err).Str("phone", ref.user.Phone).Msg("failed to send expiry sms")
	}
}

func (s *ReminderService) record(ctx context.Context, kind, channel, recipient, subject string, ref reminderRef, sendErr error) {
	status, errMsg := models.ReminderSent, ""
	if sendErr != nil {
		status, errMsg = models.ReminderFailed, sendErr.Error()
	}
	s.metrics.observeMessage(kind, channel, status)

	entry := models.ReminderLog{
		UserID:         ref.user.ID,
		OrderID:        ref.orderID,
		SubscriptionID: ref.subscriptionID,
		Kind:           kind,
		Channel:        channel,
		Recipient:      recipient,
		Subject:        subject,
		Status:         status,
		ErrorMessage:   errMsg,
		SentAt:         s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.Error().Err(err).Str("user_id", ref.user.ID.String()).Msg("failed to log reminder")
	}
}

func (s *ReminderService) daysLeft(now, end time.Time) int {
	return utils.DaysBetween(now.In(s.opts.Location), end.In(s.opts.Location))
}

func (s *ReminderService) formatDate(t time.Time) string {
	return t.In(s.opts.Location).Format("Jan 2, 2006")
}
