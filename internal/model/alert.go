package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AlertFrequency delivery cadence declared on an alert
type AlertFrequency string

const (
	// AlertFrequencyInstant sends a notification per match
	AlertFrequencyInstant AlertFrequency = "instant"
	// AlertFrequencyBatched coalesces matches into a digest window
	AlertFrequencyBatched AlertFrequency = "batched"
)

// Alert is user-defined match criteria. The table is owned by the
// CRUD API; the pipeline only ever reads it. A criterion left at its
// zero value is unspecified and does not constrain matching.
type Alert struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID   string         `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Category  string         `gorm:"type:varchar(64)" json:"category,omitempty"`
	Keywords  JSONArray      `gorm:"type:json" json:"keywords,omitempty"`
	MinPrice  *float64       `gorm:"type:decimal(12,2)" json:"min_price,omitempty"`
	MaxPrice  *float64       `gorm:"type:decimal(12,2)" json:"max_price,omitempty"`
	Location  string         `gorm:"type:varchar(255)" json:"location,omitempty"`
	Latitude  *float64       `gorm:"type:double" json:"latitude,omitempty"`
	Longitude *float64       `gorm:"type:double" json:"longitude,omitempty"`
	RadiusKM  float64        `gorm:"type:double;not null;default:0" json:"radius_km,omitempty"`
	Channels  ChannelList    `gorm:"type:json" json:"channels"`
	Frequency AlertFrequency `gorm:"type:varchar(16);not null;default:instant" json:"frequency"`
	IsActive  bool           `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time      `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName set name
func (Alert) TableName() string {
	return "alerts"
}

// AlertChannel binds a delivery channel to its recipient target
// (address, phone number, endpoint URL, device token).
type AlertChannel struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

// ChannelList json column of alert channels
type ChannelList []AlertChannel

// Value implement driver.Valuer interface
func (c ChannelList) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// Scan implement sql.Scanner interface
func (c *ChannelList) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for ChannelList: %T", value)
	}

	return json.Unmarshal(data, c)
}

// AlertMatch records that a listing satisfied an alert's criteria.
// The unique (alert_id, listing_id) index is the idempotency gate:
// re-evaluating a seen listing against the same alert must not emit
// a second match.
type AlertMatch struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AlertID   int64     `gorm:"not null;uniqueIndex:uq_alert_listing" json:"alert_id"`
	ListingID int64     `gorm:"not null;uniqueIndex:uq_alert_listing" json:"listing_id"`
	OwnerID   string    `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	MatchedAt time.Time `gorm:"type:timestamp;not null" json:"matched_at"`
}

// TableName set name
func (AlertMatch) TableName() string {
	return "alert_matches"
}
