package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"

	"marketpulse/internal/model"
)

func TestMatchRepository_Create(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewMatchRepository(db)

	match := &model.AlertMatch{
		ID:        301,
		AlertID:   1,
		ListingID: 101,
		OwnerID:   "owner-1",
		MatchedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `alert_matches`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.Create(context.Background(), match); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestMatchRepository_Create_DuplicateIsIdempotent(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewMatchRepository(db)

	match := &model.AlertMatch{
		ID:        302,
		AlertID:   1,
		ListingID: 101,
		OwnerID:   "owner-1",
		MatchedAt: time.Now(),
	}

	// MySQL error 1062: duplicate entry on uq_alert_listing.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `alert_matches`").
		WillReturnError(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), match)
	if err != ErrDuplicateMatch {
		t.Errorf("Expected ErrDuplicateMatch, got %v", err)
	}
}

func TestAttemptRepository_Create_DuplicatePairTranslated(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewAttemptRepository(db)

	attempt := &model.NotificationAttempt{
		ID:      402,
		MatchID: 301,
		Channel: "email",
		OwnerID: "owner-1",
		Target:  "user@example.com",
		Status:  model.AttemptStatusPending,
	}

	// MySQL error 1062: duplicate entry on uq_match_channel.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `notification_attempts`").
		WillReturnError(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := repo.Create(context.Background(), attempt)
	if err != ErrDuplicateAttempt {
		t.Errorf("Expected ErrDuplicateAttempt, got %v", err)
	}
}

func TestAttemptRepository_Transitions(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewAttemptRepository(db)
	ctx := context.Background()

	attempt := &model.NotificationAttempt{
		ID:      401,
		MatchID: 301,
		Channel: "email",
		OwnerID: "owner-1",
		Target:  "user@example.com",
		Status:  model.AttemptStatusPending,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `notification_attempts`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.Create(ctx, attempt); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `notification_attempts`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.MarkFailed(ctx, attempt.ID, "connection refused"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `notification_attempts`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.MarkSent(ctx, attempt.ID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `notification_attempts`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.MarkDeadLettered(ctx, attempt.ID, "550 no such user"); err != nil {
		t.Fatalf("MarkDeadLettered: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
