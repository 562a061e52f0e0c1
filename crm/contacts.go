package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrContactNotFound signals the requested contact does not exist.
var ErrContactNotFound = errors.New("crm: contact not found")

// Contact mirrors the contacts table.
type Contact struct {
	ID        string
	TeamID    string
	Email     string
	FullName  string
	CreatedAt time.Time
}

// Service auto-creates CRM contacts for signers. It is a best-effort
// collaborator: the signing path never blocks on it or propagates its errors.
type Service struct {
	pool *pgxpool.Pool
}

// NewService wires a pgxpool-backed contact service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// AutoCreateContact inserts a contact for the signer if the team does not
// already have one with that email. Re-running for the same signer is a
// no-op.
func (s *Service) AutoCreateContact(ctx context.Context, teamID, email, name string) error {
	if teamID == "" || email == "" {
		return fmt.Errorf("crm: team id and email required")
	}
	if name == "" {
		name = email
	}

	const insertSQL = `
		INSERT INTO contacts (team_id, email, full_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, email) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, insertSQL, teamID, email, name); err != nil {
		return fmt.Errorf("crm: create contact: %w", err)
	}
	return nil
}

// GetByEmail fetches one contact within a team.
func (s *Service) GetByEmail(ctx context.Context, teamID, email string) (Contact, error) {
	const query = `
		SELECT id, team_id, email, full_name, created_at
		FROM contacts
		WHERE team_id = $1 AND email = $2
	`

	var c Contact
	err := s.pool.QueryRow(ctx, query, teamID, email).Scan(&c.ID, &c.TeamID, &c.Email, &c.FullName, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrContactNotFound
		}
		return Contact{}, fmt.Errorf("crm: get contact: %w", err)
	}
	return c, nil
}
