package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SchedulerSettings are fixed in code; only the reminder batch itself is
// tuned through the environment.
type SchedulerSettings struct {
	Timezone     string
	TargetHour   int
	TargetMinute int
	PollInterval time.Duration
}

var DefaultScheduler = SchedulerSettings{
	Timezone:     "America/Sao_Paulo",
	TargetHour:   11,
	TargetMinute: 50,
	PollInterval: time.Minute,
}

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string
	LogConsole  bool

	AppName     string
	FrontendURL string
	JWTSecret   string
	CronSecret  string

	MailDriver      string // sendgrid, console or empty
	SendgridAPIKey  string
	MailFromName    string
	MailFromAddress string
	MailRatePerSec  int

	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioPhoneNumber    string
	TwilioWhatsAppNumber string

	RemarketingDelay time.Duration
	ExpiryWindow     time.Duration

	Scheduler SchedulerSettings
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_CONSOLE", true)
	v.SetDefault("APP_NAME", "CourseHub")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("CRON_SECRET", "")
	v.SetDefault("MAIL_DRIVER", "")
	v.SetDefault("SENDGRID_API_KEY", "")
	v.SetDefault("MAIL_FROM_NAME", "CourseHub")
	v.SetDefault("MAIL_FROM_ADDRESS", "noreply@localhost")
	v.SetDefault("MAIL_RATE_PER_SEC", 5)
	v.SetDefault("TWILIO_ACCOUNT_SID", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("TWILIO_PHONE_NUMBER", "")
	v.SetDefault("TWILIO_WHATSAPP_NUMBER", "")
	v.SetDefault("REMARKETING_DELAY", 24*time.Hour)
	v.SetDefault("EXPIRY_WINDOW", 72*time.Hour)
	v.AutomaticEnv()

	return Config{
		Port:                 v.GetString("PORT"),
		DatabaseURL:          v.GetString("DB_URL"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogConsole:           v.GetBool("LOG_CONSOLE"),
		AppName:              v.GetString("APP_NAME"),
		FrontendURL:          v.GetString("FRONTEND_URL"),
		JWTSecret:            v.GetString("JWT_SECRET"),
		CronSecret:           v.GetString("CRON_SECRET"),
		MailDriver:           v.GetString("MAIL_DRIVER"),
		SendgridAPIKey:       v.GetString("SENDGRID_API_KEY"),
		MailFromName:         v.GetString("MAIL_FROM_NAME"),
		MailFromAddress:      v.GetString("MAIL_FROM_ADDRESS"),
		MailRatePerSec:       v.GetInt("MAIL_RATE_PER_SEC"),
		TwilioAccountSID:     v.GetString("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      v.GetString("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber:    v.GetString("TWILIO_PHONE_NUMBER"),
		TwilioWhatsAppNumber: v.GetString("TWILIO_WHATSAPP_NUMBER"),
		RemarketingDelay:     v.GetDuration("REMARKETING_DELAY"),
		ExpiryWindow:         v.GetDuration("EXPIRY_WINDOW"),
		Scheduler:            DefaultScheduler,
	}
}
