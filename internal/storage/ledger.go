package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scanward/scanward/internal/core/domain"
)

// GetDay returns the spend ledger row for the given UTC day, zero-valued when
// no spend has been recorded yet.
func (db *DB) GetDay(ctx context.Context, day time.Time) (*domain.SpendLedger, error) {
	ledger := domain.SpendLedger{}

	err := db.Pool.QueryRow(ctx, `
		SELECT day, used_usd, total_requests, total_input_units, total_output_units
		FROM spend_ledger
		WHERE day = $1::date
	`, day.UTC().Format(time.DateOnly)).Scan(
		&ledger.Day,
		&ledger.UsedUSD,
		&ledger.TotalRequests,
		&ledger.TotalInputUnits,
		&ledger.TotalOutputUnits,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.SpendLedger{Day: day}, nil
		}

		return nil, fmt.Errorf("get ledger day: %w", err)
	}

	return &ledger, nil
}

// Charge accumulates spend into the current UTC day. The day boundary is
// computed server-side so all instances agree on it regardless of local zone.
func (db *DB) Charge(ctx context.Context, amountUSD float64, requests, inputUnits, outputUnits int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO spend_ledger (day, used_usd, total_requests, total_input_units, total_output_units)
		VALUES ((now() AT TIME ZONE 'utc')::date, $1, $2, $3, $4)
		ON CONFLICT (day)
		DO UPDATE SET
			used_usd = spend_ledger.used_usd + EXCLUDED.used_usd,
			total_requests = spend_ledger.total_requests + EXCLUDED.total_requests,
			total_input_units = spend_ledger.total_input_units + EXCLUDED.total_input_units,
			total_output_units = spend_ledger.total_output_units + EXCLUDED.total_output_units,
			updated_at = now()
	`, amountUSD, requests, inputUnits, outputUnits)
	if err != nil {
		return fmt.Errorf("charge ledger: %w", err)
	}

	return nil
}
