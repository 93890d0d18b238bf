package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"subsidy-workflow/internal/models"
)

// Directory reads user contact details from the shared users table.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// ContactOf returns the contact of userID, or nil when the user does not exist.
func (d *Directory) ContactOf(ctx context.Context, userID string) (*models.Contact, error) {
	var c models.Contact
	err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(email, ''), COALESCE(phone, '') FROM users WHERE id = $1`, userID).
		Scan(&c.Email, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user contact: %w", err)
	}
	return &c, nil
}
