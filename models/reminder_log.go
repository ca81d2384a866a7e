// models/reminder_log.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ReminderRemarketing = "remarketing"
	ReminderExpiry      = "expiry"

	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"

	ReminderSent   = "sent"
	ReminderFailed = "failed"
)

type ReminderLog struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID  `gorm:"type:uuid;index;not null"`
	OrderID        *uuid.UUID `gorm:"type:uuid;index"`
	SubscriptionID *uuid.UUID `gorm:"type:uuid;index"`

	Kind         string `gorm:"type:varchar(20);index"` // remarketing, expiry
	Channel      string `gorm:"type:varchar(20)"`       // email, sms, whatsapp
	Recipient    string
	Subject      string
	Status       string `gorm:"type:varchar(20)"` // sent, failed
	ErrorMessage string `gorm:"type:text"`
	SentAt       time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (r *ReminderLog) BeforeCreate(tx *gorm.DB) (err error) {
	r.ID = uuid.New()
	return
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Course{},
		&Plan{},
		&Order{},
		&Subscription{},
		&ReminderLog{},
	}
}
