package coordination

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists coordination records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed coordination store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the coordinations table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS coordinations (
			escrow_id            VARCHAR(128) PRIMARY KEY,
			threshold            INTEGER NOT NULL,
			total_parties        INTEGER NOT NULL,
			parties              JSONB NOT NULL DEFAULT '{}',
			state                VARCHAR(32) NOT NULL,
			multisig_address     VARCHAR(255),
			balance_total        BIGINT,
			balance_unlocked     BIGINT,
			balance_synced_at    TIMESTAMPTZ,
			round_data           JSONB NOT NULL DEFAULT '{}',
			exchange_rounds_done INTEGER NOT NULL DEFAULT 0,
			release_tx_id        VARCHAR(64),
			failure_tag          VARCHAR(64),
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_coordinations_state ON coordinations(state);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, c *Coordination) error {
	partiesJSON, err := json.Marshal(c.Parties)
	if err != nil {
		return err
	}
	roundJSON, err := marshalRoundData(c.RoundData)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO coordinations (
			escrow_id, threshold, total_parties, parties, state,
			multisig_address, balance_total, balance_unlocked, balance_synced_at,
			round_data, exchange_rounds_done, release_tx_id, failure_tag, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)`,
		c.EscrowID, c.Threshold, c.TotalParties, partiesJSON, string(c.State),
		nullString(c.MultisigAddress), balanceTotal(c), balanceUnlocked(c), balanceSyncedAt(c),
		roundJSON, c.ExchangeRoundsDone, nullString(c.ReleaseTxID), nullString(c.FailureTag),
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const coordinationColumns = `escrow_id, threshold, total_parties, parties, state,
		       multisig_address, balance_total, balance_unlocked, balance_synced_at,
		       round_data, exchange_rounds_done, release_tx_id, failure_tag, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, escrowID string) (*Coordination, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+coordinationColumns+` FROM coordinations WHERE escrow_id = $1`, escrowID)

	c, err := scanCoordination(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Coordination) error {
	partiesJSON, err := json.Marshal(c.Parties)
	if err != nil {
		return err
	}
	roundJSON, err := marshalRoundData(c.RoundData)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE coordinations SET
			parties = $1, state = $2, multisig_address = $3,
			balance_total = $4, balance_unlocked = $5, balance_synced_at = $6,
			round_data = $7, exchange_rounds_done = $8, release_tx_id = $9, failure_tag = $10, updated_at = $11
		WHERE escrow_id = $12`,
		partiesJSON, string(c.State), nullString(c.MultisigAddress),
		balanceTotal(c), balanceUnlocked(c), balanceSyncedAt(c),
		roundJSON, c.ExchangeRoundsDone, nullString(c.ReleaseTxID), nullString(c.FailureTag), c.UpdatedAt,
		c.EscrowID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Coordination, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+coordinationColumns+`
		FROM coordinations
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Coordination
	for rows.Next() {
		c, err := scanCoordination(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCoordination(s scanner) (*Coordination, error) {
	c := &Coordination{}
	var (
		partiesJSON     []byte
		state           string
		multisigAddress sql.NullString
		balTotal        sql.NullInt64
		balUnlocked     sql.NullInt64
		balSyncedAt     sql.NullTime
		roundJSON       []byte
		releaseTxID     sql.NullString
		failureTag      sql.NullString
	)

	err := s.Scan(
		&c.EscrowID, &c.Threshold, &c.TotalParties, &partiesJSON, &state,
		&multisigAddress, &balTotal, &balUnlocked, &balSyncedAt,
		&roundJSON, &c.ExchangeRoundsDone, &releaseTxID, &failureTag, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.State = State(state)
	c.MultisigAddress = multisigAddress.String
	c.ReleaseTxID = releaseTxID.String
	c.FailureTag = failureTag.String
	if err := json.Unmarshal(partiesJSON, &c.Parties); err != nil {
		return nil, err
	}
	if c.Parties == nil {
		c.Parties = make(map[Role]*PartyRegistration)
	}
	if len(roundJSON) > 0 {
		if err := json.Unmarshal(roundJSON, &c.RoundData); err != nil {
			return nil, err
		}
	}
	if balSyncedAt.Valid {
		c.BalanceCache = &BalanceCache{
			Total:    uint64(balTotal.Int64),
			Unlocked: uint64(balUnlocked.Int64),
			SyncedAt: balSyncedAt.Time,
		}
	}
	return c, nil
}

func marshalRoundData(data map[Role]string) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(data)
}

func balanceTotal(c *Coordination) sql.NullInt64 {
	if c.BalanceCache == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(c.BalanceCache.Total), Valid: true}
}

func balanceUnlocked(c *Coordination) sql.NullInt64 {
	if c.BalanceCache == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(c.BalanceCache.Unlocked), Valid: true}
}

func balanceSyncedAt(c *Coordination) sql.NullTime {
	if c.BalanceCache == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: c.BalanceCache.SyncedAt, Valid: true}
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
