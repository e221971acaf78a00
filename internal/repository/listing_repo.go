package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"marketpulse/internal/model"
)

// ErrListingNotFound no canonical listing for the identity key
var ErrListingNotFound = errors.New("listing not found")

// ListingRepository canonical listing repository interface. Identity
// is (external_id, source); the processor serializes writes per key,
// so read-modify-write here does not race with itself.
type ListingRepository interface {
	// GetByIdentity looks a listing up by its stable identity key
	GetByIdentity(ctx context.Context, externalID, source string) (*model.CanonicalListing, error)

	// Create inserts a new canonical listing
	Create(ctx context.Context, listing *model.CanonicalListing) error

	// Update persists mutable fields of an existing listing
	Update(ctx context.Context, listing *model.CanonicalListing) error

	// TouchLastSeen bumps last_seen_at without rewriting the row
	TouchLastSeen(ctx context.Context, externalID, source string, seenAt time.Time) error

	// MarkDeleted soft-marks a listing the source confirmed removed
	MarkDeleted(ctx context.Context, externalID, source string) error

	// MarkSold flags a listing sold
	MarkSold(ctx context.Context, externalID, source string) error
}

// listingRepository canonical listing repository implementation
type listingRepository struct {
	db *gorm.DB
}

// NewListingRepository creates a listing repository
func NewListingRepository(db *gorm.DB) ListingRepository {
	return &listingRepository{db: db}
}

// GetByIdentity looks a listing up by its stable identity key
func (r *listingRepository) GetByIdentity(ctx context.Context, externalID, source string) (*model.CanonicalListing, error) {
	var listing model.CanonicalListing
	err := r.db.WithContext(ctx).
		Where("external_id = ? AND source = ?", externalID, source).
		First(&listing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	return &listing, nil
}

// Create inserts a new canonical listing
func (r *listingRepository) Create(ctx context.Context, listing *model.CanonicalListing) error {
	return r.db.WithContext(ctx).Create(listing).Error
}

// Update persists mutable fields of an existing listing
func (r *listingRepository) Update(ctx context.Context, listing *model.CanonicalListing) error {
	return r.db.WithContext(ctx).Save(listing).Error
}

// TouchLastSeen bumps last_seen_at without rewriting the row
func (r *listingRepository) TouchLastSeen(ctx context.Context, externalID, source string, seenAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.CanonicalListing{}).
		Where("external_id = ? AND source = ?", externalID, source).
		Update("last_seen_at", seenAt).Error
}

// MarkDeleted soft-marks a listing the source confirmed removed
func (r *listingRepository) MarkDeleted(ctx context.Context, externalID, source string) error {
	return r.db.WithContext(ctx).
		Model(&model.CanonicalListing{}).
		Where("external_id = ? AND source = ?", externalID, source).
		Update("is_deleted", true).Error
}

// MarkSold flags a listing sold
func (r *listingRepository) MarkSold(ctx context.Context, externalID, source string) error {
	return r.db.WithContext(ctx).
		Model(&model.CanonicalListing{}).
		Where("external_id = ? AND source = ?", externalID, source).
		Update("is_sold", true).Error
}
