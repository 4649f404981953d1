package models

import (
	"time"
)

// User is the identity attached to realtime sessions and conversation membership.
type User struct {
	ID         uint       `gorm:"primaryKey" json:"id" bson:"_id"`
	Username   string     `gorm:"uniqueIndex;not null" json:"username" bson:"username"`
	Email      string     `gorm:"uniqueIndex;not null" json:"email" bson:"email"`
	Password   string     `json:"-" bson:"password,omitempty"`
	Avatar     string     `json:"avatar,omitempty" bson:"avatar,omitempty"`
	IsBot      bool       `gorm:"default:false" json:"is_bot" bson:"is_bot"`
	IsOnline   bool       `gorm:"default:false" json:"is_online" bson:"is_online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" bson:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" bson:"updated_at"`
}
