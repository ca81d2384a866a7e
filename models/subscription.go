package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
	SubscriptionExpired  = "expired"
)

type Subscription struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID uuid.UUID `gorm:"type:uuid;index;not null"`
	PlanID uuid.UUID `gorm:"type:uuid;index;not null"`

	Status           string    `gorm:"type:varchar(20);index;not null;default:'active'"`
	CurrentPeriodEnd time.Time `gorm:"index;not null"`
	ExpiryNotifiedAt *time.Time

	User User `gorm:"foreignKey:UserID"`
	Plan Plan `gorm:"foreignKey:PlanID"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return
}
