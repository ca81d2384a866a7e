package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coursehub-backend/models"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []EmailMessage
	fail map[string]error
}

func (m *fakeMailer) Send(ctx context.Context, msg *EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[msg.To.Address]; err != nil {
		return err
	}
	m.sent = append(m.sent, *msg)
	return nil
}

func (m *fakeMailer) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Subject)
	}
	return out
}

type fakeSMS struct {
	mu   sync.Mutex
	to   []string
	body []string
	err  error
}

func (f *fakeSMS) SendSMS(ctx context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to)
	f.body = append(f.body, body)
	return models.ChannelSMS, f.err
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// every connection to :memory: is its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mustCreate(t *testing.T, db *gorm.DB, v interface{}) {
	t.Helper()
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("create %T: %v", v, err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

var batchNow = time.Date(2026, 10, 14, 14, 50, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	mailer *fakeMailer
	sms    *fakeSMS
	svc    *ReminderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	f := &fixture{db: db, mailer: &fakeMailer{}, sms: &fakeSMS{}}

	svc, err := NewReminderService(db, f.mailer, f.sms, ReminderOptions{
		AppName:          "CourseHub",
		FrontendURL:      "https://learn.example.com/",
		RemarketingDelay: 24 * time.Hour,
		ExpiryWindow:     72 * time.Hour,
		Location:         saoPaulo,
	}, zerolog.Nop(), NewMetrics())
	if err != nil {
		t.Fatalf("NewReminderService: %v", err)
	}
	svc.now = func() time.Time { return batchNow }
	f.svc = svc
	return f
}

// seed builds one eligible row per reminder kind plus rows each filter must
// exclude.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	db := f.db
	day := 24 * time.Hour

	alice := models.User{Email: "alice@example.com", Name: "Alice", IsActive: true}
	bob := models.User{Email: "bob@example.com", Name: "Bob", IsActive: true, MarketingOptOut: true}
	carol := models.User{Email: "carol@example.com", Name: "Carol", IsActive: true}
	dave := models.User{Email: "dave@example.com", Name: "Dave", Phone: "+5511999990000", IsActive: true}
	erin := models.User{Email: "erin@example.com", Name: "Erin", IsActive: true}
	gina := models.User{Email: "gina@example.com", Name: "Gina", IsActive: true}
	for _, u := range []*models.User{&alice, &bob, &carol, &dave, &erin, &gina} {
		mustCreate(t, db, u)
	}

	golang := models.Course{Title: "Go from Zero", Slug: "go-from-zero", Price: 99, IsPublished: true}
	sql := models.Course{Title: "SQL Basics", Slug: "sql-basics", Price: 49, IsPublished: true}
	mustCreate(t, db, &golang)
	mustCreate(t, db, &sql)

	plan := models.Plan{Name: "Pro", Price: 29, Interval: "month"}
	mustCreate(t, db, &plan)

	orders := []models.Order{
		// eligible remarketing
		{UserID: alice.ID, CourseID: golang.ID, Status: models.OrderPending, Total: 99, CreatedAt: batchNow.Add(-2 * day)},
		// too recent
		{UserID: alice.ID, CourseID: sql.ID, Status: models.OrderPending, Total: 49, CreatedAt: batchNow.Add(-time.Hour)},
		// opted out
		{UserID: bob.ID, CourseID: golang.ID, Status: models.OrderPending, Total: 99, CreatedAt: batchNow.Add(-2 * day)},
		// already bought the same course
		{UserID: carol.ID, CourseID: golang.ID, Status: models.OrderPending, Total: 99, CreatedAt: batchNow.Add(-3 * day)},
		{UserID: carol.ID, CourseID: golang.ID, Status: models.OrderPaid, Total: 99, CreatedAt: batchNow.Add(-2 * day)},
		// already remarketed
		{UserID: erin.ID, CourseID: sql.ID, Status: models.OrderPending, Total: 49, CreatedAt: batchNow.Add(-5 * day), RemarketingSentAt: timePtr(batchNow.Add(-4 * day))},
		// eligible access expiry
		{UserID: gina.ID, CourseID: sql.ID, Status: models.OrderPaid, Total: 49, CreatedAt: batchNow.Add(-300 * day), AccessExpiresAt: timePtr(batchNow.Add(day))},
		// access expires outside the window
		{UserID: erin.ID, CourseID: golang.ID, Status: models.OrderPaid, Total: 99, CreatedAt: batchNow.Add(-30 * day), AccessExpiresAt: timePtr(batchNow.Add(10 * day))},
	}
	for i := range orders {
		mustCreate(t, db, &orders[i])
	}

	subs := []models.Subscription{
		// eligible, has a phone number
		{UserID: dave.ID, PlanID: plan.ID, Status: models.SubscriptionActive, CurrentPeriodEnd: batchNow.Add(2 * day)},
		// too far out
		{UserID: erin.ID, PlanID: plan.ID, Status: models.SubscriptionActive, CurrentPeriodEnd: batchNow.Add(10 * day)},
		// canceled
		{UserID: alice.ID, PlanID: plan.ID, Status: models.SubscriptionCanceled, CurrentPeriodEnd: batchNow.Add(day)},
		// already ended
		{UserID: gina.ID, PlanID: plan.ID, Status: models.SubscriptionActive, CurrentPeriodEnd: batchNow.Add(-day)},
	}
	for i := range subs {
		mustCreate(t, db, &subs[i])
	}
}

func TestSendRemindersSelectsEligibleRows(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	res, err := f.svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("SendReminders: %v", err)
	}
	if res.RemarketingSent != 1 || res.ExpirySent != 2 {
		t.Fatalf("result = %+v, want 1 remarketing and 2 expiry", res)
	}

	subjects := f.mailer.subjects()
	want := []string{
		"Finish enrolling in Go from Zero",
		"Your Pro subscription ends soon",
		"Your access to SQL Basics ends soon",
	}
	if len(subjects) != len(want) {
		t.Fatalf("subjects = %v, want %v", subjects, want)
	}
	for i := range want {
		if subjects[i] != want[i] {
			t.Fatalf("subject[%d] = %q, want %q", i, subjects[i], want[i])
		}
	}

	first := f.mailer.sent[0]
	if first.To.Address != "alice@example.com" {
		t.Fatalf("remarketing went to %s", first.To.Address)
	}
	if !strings.Contains(first.TextContent, "https://learn.example.com/checkout/go-from-zero") {
		t.Fatalf("remarketing text missing checkout link:\n%s", first.TextContent)
	}
	if !strings.Contains(f.mailer.sent[1].TextContent, "2 day(s) left") {
		t.Fatalf("subscription text missing days left:\n%s", f.mailer.sent[1].TextContent)
	}

	if len(f.sms.to) != 1 || f.sms.to[0] != "+5511999990000" {
		t.Fatalf("sms recipients = %v, want dave only", f.sms.to)
	}

	var logs int64
	f.db.Model(&models.ReminderLog{}).Count(&logs)
	if logs != 4 {
		t.Fatalf("reminder logs = %d, want 4 (3 email + 1 sms)", logs)
	}
}

func TestSendRemindersMarksRowsSent(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	if _, err := f.svc.SendReminders(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := f.svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res != (ReminderResult{}) {
		t.Fatalf("second run result = %+v, want nothing sent", res)
	}
	if n := len(f.mailer.sent); n != 3 {
		t.Fatalf("emails after two runs = %d, want 3", n)
	}
}

func TestSendRemindersFailedEmailIsRetriedNextRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.mailer.fail = map[string]error{"alice@example.com": errors.New("mailbox unavailable")}

	res, err := f.svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("SendReminders: %v", err)
	}
	if res.RemarketingSent != 0 || res.ExpirySent != 2 {
		t.Fatalf("result = %+v", res)
	}

	var failed models.ReminderLog
	if err := f.db.Where("status = ?", models.ReminderFailed).First(&failed).Error; err != nil {
		t.Fatalf("failed log: %v", err)
	}
	if failed.Kind != models.ReminderRemarketing || failed.ErrorMessage != "mailbox unavailable" {
		t.Fatalf("unexpected failed log %+v", failed)
	}

	f.mailer.fail = nil
	res, err = f.svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.RemarketingSent != 1 {
		t.Fatalf("order should still be eligible after a failed send, got %+v", res)
	}
}

func TestSendRemindersSMSFailureKeepsEmail(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.sms.err = errors.New("twilio 500")

	res, err := f.svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("SendReminders: %v", err)
	}
	if res.ExpirySent != 2 {
		t.Fatalf("ExpirySent = %d, want 2", res.ExpirySent)
	}

	var notified int64
	f.db.Model(&models.Subscription{}).Where("expiry_notified_at IS NOT NULL").Count(&notified)
	if notified != 1 {
		t.Fatalf("notified subscriptions = %d, want 1 even when sms fails", notified)
	}

	var smsFailed int64
	f.db.Model(&models.ReminderLog{}).
		Where("channel = ? AND status = ?", models.ChannelSMS, models.ReminderFailed).
		Count(&smsFailed)
	if smsFailed != 1 {
		t.Fatalf("failed sms logs = %d, want 1", smsFailed)
	}
}

func TestSendRemindersWithoutMailer(t *testing.T) {
	db := openTestDB(t)
	svc, err := NewReminderService(db, nil, nil, ReminderOptions{AppName: "CourseHub"}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewReminderService: %v", err)
	}

	res, err := svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("missing mailer should not fail: %v", err)
	}
	if res != (ReminderResult{}) {
		t.Fatalf("result = %+v, want zero", res)
	}
}

func TestSendRemindersCanceledContext(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.svc.SendReminders(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if n := len(f.mailer.sent); n != 0 {
		t.Fatalf("emails sent = %d, want 0", n)
	}
}

// holdFirstMailer blocks the first Send until release is closed.
type holdFirstMailer struct {
	*fakeMailer
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (m *holdFirstMailer) Send(ctx context.Context, msg *EmailMessage) error {
	first := false
	m.once.Do(func() { first = true })
	if first {
		close(m.entered)
		<-m.release
	}
	return m.fakeMailer.Send(ctx, msg)
}

func TestSendRemindersOverlappingRunsSendOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	hold := &holdFirstMailer{
		fakeMailer: f.mailer,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	f.svc.mailer = hold

	type outcome struct {
		res ReminderResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.svc.SendReminders(context.Background())
		first <- outcome{res, err}
	}()

	select {
	case <-hold.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the mailer")
	}

	second, err := f.svc.SendReminders(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	close(hold.release)

	var got outcome
	select {
	case got = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}
	if got.err != nil {
		t.Fatalf("first run: %v", got.err)
	}

	total := got.res.RemarketingSent + got.res.ExpirySent + second.RemarketingSent + second.ExpirySent
	if total != 3 {
		t.Fatalf("sent across runs = %d (first %+v, second %+v), want 3", total, got.res, second)
	}

	seen := map[string]int{}
	for _, subject := range f.mailer.subjects() {
		seen[subject]++
	}
	if len(seen) != 3 {
		t.Fatalf("subjects = %v, want 3 distinct", f.mailer.subjects())
	}
	for subject, n := range seen {
		if n != 1 {
			t.Fatalf("%q sent %d times", subject, n)
		}
	}
}

func TestSendRemindersFailedSendClearsMarker(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.mailer.fail = map[string]error{"alice@example.com": errors.New("bounced")}

	if _, err := f.svc.SendReminders(context.Background()); err != nil {
		t.Fatalf("SendReminders: %v", err)
	}

	var claimed int64
	f.db.Model(&models.Order{}).
		Where("status = ? AND remarketing_sent_at IS NOT NULL", models.OrderPending).
		Count(&claimed)
	// only erin's previously remarketed order keeps its marker
	if claimed != 1 {
		t.Fatalf("pending orders with a remarketing marker = %d, want 1", claimed)
	}
}
