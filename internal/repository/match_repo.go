package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"marketpulse/internal/model"
)

// ErrDuplicateMatch a match for (alert_id, listing_id) already exists.
// Callers treat this as success: the listing was already matched.
var ErrDuplicateMatch = errors.New("alert match already exists")

// MatchRepository alert match repository interface. The unique
// (alert_id, listing_id) constraint makes Create the atomic
// check-then-emit step: concurrent inserts for the same pair lose
// safely with ErrDuplicateMatch.
type MatchRepository interface {
	// Create inserts a match; ErrDuplicateMatch on the unique key
	Create(ctx context.Context, match *model.AlertMatch) error
}

// matchRepository alert match repository implementation
type matchRepository struct {
	db *gorm.DB
}

// NewMatchRepository creates a match repository
func NewMatchRepository(db *gorm.DB) MatchRepository {
	return &matchRepository{db: db}
}

// Create inserts a match; ErrDuplicateMatch on the unique key
func (r *matchRepository) Create(ctx context.Context, match *model.AlertMatch) error {
	err := r.db.WithContext(ctx).Create(match).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateMatch
		}
		return err
	}
	return nil
}
