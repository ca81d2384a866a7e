package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	OrderPending  = "pending"
	OrderPaid     = "paid"
	OrderCanceled = "canceled"
)

type Order struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID   uuid.UUID `gorm:"type:uuid;index;not null"`
	CourseID uuid.UUID `gorm:"type:uuid;index;not null"`

	Status string  `gorm:"type:varchar(20);index;not null;default:'pending'"`
	Total  float64 `gorm:"type:decimal(10,2);not null"`

	// AccessExpiresAt is nil for lifetime access.
	AccessExpiresAt   *time.Time
	RemarketingSentAt *time.Time
	ExpiryNotifiedAt  *time.Time

	User   User   `gorm:"foreignKey:UserID"`
	Course Course `gorm:"foreignKey:CourseID"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) (err error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return
}
