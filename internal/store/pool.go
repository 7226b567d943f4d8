package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

// IdentifierPool hands out pre-provisioned settlement identifiers (deposit
// addresses) from the route_identifiers table. Concurrent allocators skip
// rows locked by each other.
type IdentifierPool struct {
	db *pgxpool.Pool
}

func NewIdentifierPool(db *pgxpool.Pool) *IdentifierPool {
	return &IdentifierPool{db: db}
}

func (p *IdentifierPool) Allocate(ctx context.Context, network string) (domain.Allocation, error) {
	var a domain.Allocation
	err := p.db.QueryRow(ctx, `UPDATE route_identifiers SET allocated_at = now()
		WHERE (network, identifier) = (
			SELECT network, identifier FROM route_identifiers
			WHERE network = $1 AND allocated_at IS NULL
			ORDER BY identifier LIMIT 1 FOR UPDATE SKIP LOCKED)
		RETURNING identifier, metadata`, network).Scan(&a.Identifier, &a.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Allocation{}, fmt.Errorf("%s: %w", network, domain.ErrPoolExhausted)
	}
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("allocate identifier: %w", err)
	}
	return a, nil
}

func (p *IdentifierPool) Release(ctx context.Context, network, identifier string) error {
	_, err := p.db.Exec(ctx,
		"UPDATE route_identifiers SET allocated_at = NULL WHERE network = $1 AND identifier = $2",
		network, identifier)
	if err != nil {
		return fmt.Errorf("release identifier: %w", err)
	}
	return nil
}

// Seed bulk loads identifiers for network. Existing rows are left alone.
func (p *IdentifierPool) Seed(ctx context.Context, network string, identifiers []string) (int64, error) {
	rows := make([][]any, 0, len(identifiers))
	for _, id := range identifiers {
		rows = append(rows, []any{network, id})
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE seed_identifiers (network TEXT, identifier TEXT) ON COMMIT DROP`); err != nil {
		return 0, err
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"seed_identifiers"}, []string{"network", "identifier"}, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", err)
	}
	tag, err := tx.Exec(ctx, `INSERT INTO route_identifiers (network, identifier)
		SELECT network, identifier FROM seed_identifiers ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
