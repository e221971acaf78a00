package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"marketpulse/internal/model"
)

// ErrAlertNotFound no alert with the given id
var ErrAlertNotFound = errors.New("alert not found")

// AlertRepository read-only view of the alerts table. Alerts are
// owned by the CRUD API; the pipeline never writes them.
type AlertRepository interface {
	// ListActive returns all active alerts
	ListActive(ctx context.Context) ([]*model.Alert, error)

	// GetByID returns one alert
	GetByID(ctx context.Context, id int64) (*model.Alert, error)
}

// alertRepository alert repository implementation
type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates an alert repository
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

// ListActive returns all active alerts
func (r *alertRepository) ListActive(ctx context.Context) ([]*model.Alert, error) {
	var alerts []*model.Alert
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&alerts).Error
	return alerts, err
}

// GetByID returns one alert
func (r *alertRepository) GetByID(ctx context.Context, id int64) (*model.Alert, error) {
	var alert model.Alert
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return &alert, nil
}
