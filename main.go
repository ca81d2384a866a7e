package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"coursehub-backend/config"
	"coursehub-backend/controllers"
	"coursehub-backend/models"
	"coursehub-backend/routes"
	"coursehub-backend/services"
	"coursehub-backend/utils"
)

func main() {
	var (
		adminToken string
		tokenTTL   time.Duration
	)
	flag.StringVar(&adminToken, "admin-token", "", "print an admin JWT for this user id and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the token printed by -admin-token")
	flag.Parse()

	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel, cfg.LogConsole)

	if adminToken != "" {
		tok, err := utils.GenerateToken(cfg.JWTSecret, adminToken, models.RoleAdmin, tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("admin token")
		}
		fmt.Println(tok)
		return
	}
	if !cfg.LogConsole {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.ConnectDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	metrics := services.NewMetrics()

	mailer, err := services.NewMailer(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("mailer")
	}
	if mailer == nil {
		log.Warn().Msg("MAIL_DRIVER not set, reminder emails are disabled")
	}
	sms := services.NewSMSSender(cfg)

	sc := services.SchedulerConfig{
		Timezone:     cfg.Scheduler.Timezone,
		TargetHour:   cfg.Scheduler.TargetHour,
		TargetMinute: cfg.Scheduler.TargetMinute,
		PollInterval: cfg.Scheduler.PollInterval,
	}
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("timezone")
	}

	reminders, err := services.NewReminderService(db, mailer, sms, services.ReminderOptions{
		AppName:          cfg.AppName,
		FrontendURL:      cfg.FrontendURL,
		RemarketingDelay: cfg.RemarketingDelay,
		ExpiryWindow:     cfg.ExpiryWindow,
		RatePerSec:       cfg.MailRatePerSec,
		Location:         loc,
	}, log, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("reminder service")
	}

	scheduler, err := services.NewReminderScheduler(sc, reminders, log, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("reminder scheduler")
	}
	scheduler.Start()

	r := routes.SetupRouter(routes.Deps{
		Config:  cfg,
		Log:     log,
		Metrics: metrics,
		Reminders: &controllers.ReminderController{
			DB:        db,
			Runner:    reminders,
			Scheduler: scheduler,
			Metrics:   metrics,
			Log:       log,
		},
	})
	printRoutes(log, r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown")
	}
}

func printRoutes(log zerolog.Logger, r *gin.Engine) {
	for _, route := range r.Routes() {
		log.Debug().Str("method", route.Method).Str("path", route.Path).Msg("route")
	}
}
