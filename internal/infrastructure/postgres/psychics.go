package postgres

import (
	"context"
	"errors"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (r *Repository) GetPsychic(ctx context.Context, psychicID uuid.UUID) (domain.Psychic, error) {
	var p domain.Psychic
	err := r.pool.QueryRow(ctx, `
		SELECT id, display_name, specialty, active, updated_at
		FROM psychics
		WHERE id = $1
	`, psychicID).Scan(&p.ID, &p.DisplayName, &p.Specialty, &p.Active, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Psychic{}, domain.ErrPsychicNotFound
		}
		return domain.Psychic{}, err
	}
	return p, nil
}

func (r *Repository) ListPsychics(ctx context.Context, onlyActive bool) ([]domain.Psychic, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, display_name, specialty, active, updated_at
		FROM psychics
		WHERE active OR NOT $1
		ORDER BY display_name ASC, id ASC
	`, onlyActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Psychic
	for rows.Next() {
		var p domain.Psychic
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Specialty, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// requireActivePsychic takes a share lock so a concurrent deactivation waits for the start to commit.
func (r *Repository) requireActivePsychic(ctx context.Context, tx pgx.Tx, psychicID uuid.UUID) error {
	var active bool
	err := tx.QueryRow(ctx, `SELECT active FROM psychics WHERE id = $1 FOR SHARE`, psychicID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrPsychicNotFound
		}
		return err
	}
	if !active {
		return domain.ErrPsychicUnavailable
	}
	return nil
}

// UpsertPsychicTx is used by the RabbitMQ consumer inside ProcessOnce.
func (r *Repository) UpsertPsychicTx(ctx context.Context, tx pgx.Tx, p domain.Psychic) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO psychics (id, display_name, specialty, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    specialty = EXCLUDED.specialty,
		    active = EXCLUDED.active,
		    updated_at = NOW()
	`, p.ID, p.DisplayName, p.Specialty, p.Active)
	return err
}
