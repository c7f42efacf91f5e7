package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGStoreFindByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "status", "created_at", "updated_at"}).
		AddRow("user-1", "one@example.org", "$2a$10$hash", "collector", "active", now, now)
	mock.ExpectQuery("select id, email, password_hash, role, status.*from users where lower\\(email\\)").
		WithArgs("one@example.org").
		WillReturnRows(rows)

	store := NewPGStore(db)
	user, err := store.FindByEmail(context.Background(), "one@example.org")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.ID != "user-1" || user.Role != "collector" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreFindMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select id, email, password_hash, role, status.*from users where id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "status", "created_at", "updated_at"}))

	store := NewPGStore(db)
	if _, err := store.Find(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
