package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDirectory reads names from the profiles table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// DisplayName returns the profile name, or "" when the user has no profile.
func (d *PostgresDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	var name sql.NullString
	query := "SELECT full_name FROM profiles WHERE id = $1"

	err := d.db.QueryRowContext(ctx, query, userID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup profile: %w", err)
	}
	return name.String, nil
}
