package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RawListing is the wire shape emitted by the collector onto the
// raw-listings topic. It is immutable once published and keyed by
// ExternalID for partitioning.
type RawListing struct {
	ExternalID  string    `json:"external_id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Price       *float64  `json:"price,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Location    string    `json:"location,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
	SellerRef   string    `json:"seller_ref,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
	// Removed is set when the source confirmed the listing is gone
	// (detail fetch returned 404/410).
	Removed bool `json:"removed,omitempty"`
	// Sold is set when the source shows the listing as sold. The row
	// is kept but stops matching alerts.
	Sold bool `json:"sold,omitempty"`
}

// CanonicalListing is the durable, deduplicated form of a listing.
// Identity is the (external_id, source) pair; updates are upserts on
// that key and must never duplicate-insert.
type CanonicalListing struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ExternalID         string    `gorm:"type:varchar(255);not null;uniqueIndex:uq_listing_identity" json:"external_id"`
	Source             string    `gorm:"type:varchar(64);not null;uniqueIndex:uq_listing_identity" json:"source"`
	Title              string    `gorm:"type:varchar(512);not null" json:"title"`
	Price              *float64  `gorm:"type:decimal(12,2)" json:"price,omitempty"`
	Currency           string    `gorm:"type:varchar(8)" json:"currency,omitempty"`
	Location           string    `gorm:"type:varchar(255);index" json:"location,omitempty"`
	Latitude           *float64  `gorm:"type:double" json:"latitude,omitempty"`
	Longitude          *float64  `gorm:"type:double" json:"longitude,omitempty"`
	Category           string    `gorm:"type:varchar(64);index" json:"category,omitempty"`
	Description        string    `gorm:"type:text" json:"description,omitempty"`
	ImageURLs          JSONArray `gorm:"type:json" json:"image_urls,omitempty"`
	SellerRef          string    `gorm:"type:varchar(255)" json:"seller_ref,omitempty"`
	QualityScore       float64   `gorm:"type:double;not null;default:0" json:"quality_score"`
	CategoryConfidence float64   `gorm:"type:double;not null;default:0" json:"category_confidence"`
	SuggestedCategory  string    `gorm:"type:varchar(64)" json:"suggested_category,omitempty"`
	Keywords           JSONArray `gorm:"type:json" json:"keywords,omitempty"`
	SpamScore          float64   `gorm:"type:double;not null;default:0" json:"spam_score"`
	IsSold             bool      `gorm:"not null;default:false" json:"is_sold"`
	IsDeleted          bool      `gorm:"not null;default:false;index" json:"is_deleted"`
	FirstSeenAt        time.Time `gorm:"type:timestamp;not null" json:"first_seen_at"`
	LastSeenAt         time.Time `gorm:"type:timestamp;not null" json:"last_seen_at"`
	CreatedAt          time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName set name
func (CanonicalListing) TableName() string {
	return "listings"
}

// ListingUpdate is published on the listing-updates topic whenever a
// mutable field of an existing canonical listing changed. Price trend
// consumers are external; the processor only exposes the change.
type ListingUpdate struct {
	ListingID    int64     `json:"listing_id"`
	ExternalID   string    `json:"external_id"`
	Source       string    `json:"source"`
	OldPrice     *float64  `json:"old_price,omitempty"`
	NewPrice     *float64  `json:"new_price,omitempty"`
	PriceChanged bool      `json:"price_changed"`
	Removed      bool      `json:"removed,omitempty"`
	Sold         bool      `json:"sold,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}

// JSONArray custom json array type
type JSONArray []string

// Value implement driver.Valuer interface
func (j JSONArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implement sql.Scanner interface
func (j *JSONArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONArray: %T", value)
	}

	return json.Unmarshal(data, j)
}
