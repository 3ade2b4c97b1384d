package users

import (
	"strings"
	"time"
)

// User is the canonical local record for a forum account.
type User struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ExternalID int64     `gorm:"column:external_id;not null;uniqueIndex:idx_users_external_id"`
	Username   string    `gorm:"column:username;size:190;not null"`
	Email      string    `gorm:"column:email;size:320"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
