package model

import (
	"fmt"
	"time"
)

// AttemptStatus notification attempt state machine states
type AttemptStatus string

const (
	AttemptStatusPending      AttemptStatus = "pending"
	AttemptStatusSent         AttemptStatus = "sent"
	AttemptStatusFailed       AttemptStatus = "failed"
	AttemptStatusDeadLettered AttemptStatus = "dead_lettered"
)

// NotificationAttempt tracks delivery of one match over one channel.
// Transitions: pending -> sent (terminal), pending -> failed ->
// pending (retry), failed -> dead_lettered after max attempts or a
// permanent rejection.
type NotificationAttempt struct {
	ID           int64         `gorm:"primaryKey;autoIncrement:false" json:"id"`
	MatchID      int64         `gorm:"not null;uniqueIndex:uq_match_channel" json:"match_id"`
	Channel      string        `gorm:"type:varchar(32);not null;uniqueIndex:uq_match_channel" json:"channel"`
	OwnerID      string        `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Target       string        `gorm:"type:varchar(512);not null" json:"target"`
	AttemptCount int           `gorm:"not null;default:0" json:"attempt_count"`
	Status       AttemptStatus `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	LastError    string        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time     `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName set name
func (NotificationAttempt) TableName() string {
	return "notification_attempts"
}

// IdempotencyKey is handed to channel senders so a retried send after
// a crash-before-ack can be recognized and discarded downstream.
func (a *NotificationAttempt) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s", a.MatchID, a.Channel)
}

// DeliveryOutcome is published on the notification-outbox topic after
// every terminal attempt transition.
type DeliveryOutcome struct {
	AttemptID int64         `json:"attempt_id"`
	MatchID   int64         `json:"match_id"`
	OwnerID   string        `json:"owner_id"`
	Channel   string        `json:"channel"`
	Status    AttemptStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}
