package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/fedround/crypto"
	"github.com/flashbots/fedround/protocol"
	_ "github.com/lib/pq"
)

// PostgresStore implements protocol.DeviceRegistry with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects, pings and migrates the device table.
func NewPostgresStore(ctx context.Context, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		identity VARCHAR(256) PRIMARY KEY,
		public_key VARCHAR(128) NOT NULL DEFAULT '',
		data_size BIGINT NOT NULL DEFAULT 0,
		last_iteration BIGINT NOT NULL DEFAULT 0,
		verification VARCHAR(32) NOT NULL DEFAULT '',
		enrolled_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		last_seen TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Lookup loads one device record.
func (s *PostgresStore) Lookup(ctx context.Context, identity string) (*protocol.DeviceMeta, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		publicKey     string
		dataSize      int64
		lastIteration int64
		verification  string
		enrolledAt    time.Time
		lastSeen      time.Time
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT public_key, data_size, last_iteration, verification, enrolled_at, last_seen
		FROM devices WHERE identity = $1
	`, identity).Scan(&publicKey, &dataSize, &lastIteration, &verification, &enrolledAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading device %s: %w", identity, err)
	}

	meta := &protocol.DeviceMeta{
		Identity:      identity,
		DataSize:      uint64(dataSize),
		LastIteration: uint64(lastIteration),
		Verification:  protocol.VerificationStatus(verification),
		EnrolledAt:    enrolledAt,
		LastSeen:      lastSeen,
	}
	if publicKey != "" {
		meta.PublicKey, err = crypto.NewPublicKeyFromString(publicKey)
		if err != nil {
			return nil, false, fmt.Errorf("device %s has a corrupt public key: %w", identity, err)
		}
	}

	return meta, true, nil
}

// Upsert persists a device record. The enrollment time of an existing device is kept.
func (s *PostgresStore) Upsert(ctx context.Context, identity string, meta *protocol.DeviceMeta) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO devices
		(identity, public_key, data_size, last_iteration, verification, enrolled_at, last_seen)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (identity) DO UPDATE SET
		public_key = EXCLUDED.public_key,
		data_size = EXCLUDED.data_size,
		last_iteration = EXCLUDED.last_iteration,
		verification = EXCLUDED.verification,
		last_seen = EXCLUDED.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		identity,
		meta.PublicKey.String(),
		int64(meta.DataSize),
		int64(meta.LastIteration),
		string(meta.Verification),
		meta.EnrolledAt,
		meta.LastSeen,
	)
	return err
}

// Evict removes a device record.
func (s *PostgresStore) Evict(ctx context.Context, identity string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE identity = $1", identity)
	return err
}

// EvictIdleSince removes devices not seen since cutoff and returns their identities.
// It is meant to run between iterations as a lifecycle policy.
func (s *PostgresStore) EvictIdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "DELETE FROM devices WHERE last_seen < $1 RETURNING identity", cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evicted []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return evicted, err
		}
		evicted = append(evicted, identity)
	}
	return evicted, rows.Err()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
