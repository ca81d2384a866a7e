package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

type User struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email string    `gorm:"uniqueIndex;not null"`
	Name  string    `gorm:"not null"`
	Phone string

	Role            string `gorm:"type:varchar(20);not null;default:'student'"`
	MarketingOptOut bool   `gorm:"default:false"`
	IsActive        bool   `gorm:"default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return
}
