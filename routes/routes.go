package routes

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"coursehub-backend/config"
	"coursehub-backend/controllers"
	"coursehub-backend/models"
	"coursehub-backend/services"
	"coursehub-backend/utils"
)

type Deps struct {
	Config    config.Config
	Log       zerolog.Logger
	Metrics   *services.Metrics
	Reminders *controllers.ReminderController
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	origins := []string{"http://localhost:3000"}
	if d.Config.FrontendURL != "" && d.Config.FrontendURL != origins[0] {
		origins = append(origins, strings.TrimRight(d.Config.FrontendURL, "/"))
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type", utils.CronSecretHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.Use(config.PerformanceLogger(d.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	api := r.Group("/api")
	{
		cronGroup := api.Group("/cron", utils.RequireCronSecret(d.Config.CronSecret))
		{
			cronGroup.POST("/reminders", d.Reminders.TriggerReminders)
		}

		admin := api.Group("/admin", utils.AuthMiddleware(d.Config.JWTSecret, models.RoleAdmin))
		{
			admin.GET("/scheduler", d.Reminders.GetSchedulerStatus)
			admin.GET("/reminder-logs", d.Reminders.GetReminderLogs)
		}
	}

	return r
}
