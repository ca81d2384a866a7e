// controllers/reminder.go
package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"coursehub-backend/models"
	"coursehub-backend/services"
	"coursehub-backend/utils"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500

	// A manual run outlives the request that started it, up to this long.
	manualRunTimeout = 10 * time.Minute
)

type SchedulerStatusProvider interface {
	Status() services.SchedulerStatus
}

type ReminderController struct {
	DB        *gorm.DB
	Runner    services.ReminderBatchRunner
	Scheduler SchedulerStatusProvider
	Metrics   *services.Metrics
	Log       zerolog.Logger
}

// TriggerReminders runs the reminder batch on demand. It does not touch the
// scheduler's daily bookkeeping.
func (rc *ReminderController) TriggerReminders(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), manualRunTimeout)
	defer cancel()

	res, err := rc.Runner.SendReminders(ctx)
	rc.Metrics.ObserveRun(services.TriggerManual, err)
	if err != nil {
		rc.Log.Error().Err(err).Msg("manual reminder run failed")
		utils.RespondWithError(c, http.StatusInternalServerError, "Failed to send reminders")
		return
	}

	rc.Log.Info().
		Int("remarketing_sent", res.RemarketingSent).
		Int("expiry_sent", res.ExpirySent).
		Msg("manual reminder run done")
	c.JSON(http.StatusOK, res)
}

func (rc *ReminderController) GetSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, rc.Scheduler.Status())
}

// GetReminderLogs lists the latest reminder attempts, optionally filtered
// by kind and status.
func (rc *ReminderController) GetReminderLogs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondWithError(c, http.StatusBadRequest, "Invalid limit")
			return
		}
		if n > maxLogLimit {
			n = maxLogLimit
		}
		limit = n
	}

	query := rc.DB.WithContext(c.Request.Context()).Model(&models.ReminderLog{})
	if kind := c.Query("kind"); kind != "" {
		if kind != models.ReminderRemarketing && kind != models.ReminderExpiry {
			utils.RespondWithError(c, http.StatusBadRequest, "Invalid kind")
			return
		}
		query = query.Where("kind = ?", kind)
	}
	if status := c.Query("status"); status != "" {
		if status != models.ReminderSent && status != models.ReminderFailed {
			utils.RespondWithError(c, http.StatusBadRequest, "Invalid status")
			return
		}
		query = query.Where("status = ?", status)
	}

	var logs []models.ReminderLog
	if err := query.Order("sent_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		rc.Log.Error().Err(err).Msg("failed to list reminder logs")
		utils.RespondWithError(c, http.StatusInternalServerError, "Failed to retrieve reminder logs")
		return
	}

	c.JSON(http.StatusOK, logs)
}
