package metrics

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const recorderSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	sub        TEXT NOT NULL,
	tx         TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (sub, tx)
)`

// DBRecorder writes the token-to-transaction record to Postgres. Writes are
// fire-and-forget: a database outage degrades the audit trail, never a
// submission.
type DBRecorder struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// OpenRecorder connects to Postgres and ensures the schema exists.
func OpenRecorder(dsn string, logger zerolog.Logger) (*DBRecorder, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to metrics database: %w", err)
	}
	_, err = db.Exec(recorderSchema)
	if err != nil {
		return nil, fmt.Errorf("creating transactions table: %w", err)
	}
	return &DBRecorder{db: db, logger: logger}, nil
}

// Record stores that the token paid for the transaction. Duplicate records
// from submission retries are dropped by the primary key.
func (r *DBRecorder) Record(tokenID, txHash string) {
	_, err := r.db.Exec(
		`INSERT INTO transactions (sub, tx) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		tokenID, txHash,
	)
	if err != nil {
		r.logger.Error().Err(err).Str("token", tokenID).Str("tx", txHash).
			Msg("recording transaction")
	}
}

// Transactions lists the hashes a token has paid for, newest first.
func (r *DBRecorder) Transactions(tokenID string) ([]string, error) {
	var hashes []string
	err := r.db.Select(&hashes,
		`SELECT tx FROM transactions WHERE sub = $1 ORDER BY created_at DESC`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions for %s: %w", tokenID, err)
	}
	return hashes, nil
}

func (r *DBRecorder) Close() error {
	return r.db.Close()
}
