package storage

import (
	"database/sql"
	"fmt"
	"time"

	"flowguard/internal/model"
	"flowguard/internal/policy"
	"flowguard/internal/reputation"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const policySchema = `
CREATE TABLE IF NOT EXISTS policies (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	action       TEXT NOT NULL,
	target_type  TEXT NOT NULL,
	target_value TEXT NOT NULL,
	priority     INTEGER NOT NULL,
	reason       TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_policies_target ON policies (target_type, target_value);
`

const reputationSchema = `
CREATE TABLE IF NOT EXISTS reputation (
	identity        TEXT PRIMARY KEY,
	score           DOUBLE PRECISION NOT NULL,
	last_updated    TIMESTAMPTZ NOT NULL,
	sample_count    INTEGER NOT NULL DEFAULT 0,
	malicious       INTEGER NOT NULL DEFAULT 0,
	legitimate      INTEGER NOT NULL DEFAULT 0,
	false_positives INTEGER NOT NULL DEFAULT 0
);
`

// Options carries the connection and retry settings.
type Options struct {
	Host          string
	Port          int
	Database      string
	User          string
	Password      string
	SSLMode       string
	RetryAttempts int
	RetryDelay    time.Duration
}

// PostgresStore persists policies and reputation records. Every failure
// is wrapped as a TransientStoreError so callers degrade to in-memory
// operation instead of aborting.
type PostgresStore struct {
	db       *sql.DB
	attempts int
	delay    time.Duration
	logger   *logrus.Logger
}

var _ policy.Backend = (*PostgresStore)(nil)
var _ reputation.Backend = (*PostgresStore)(nil)

func NewPostgresStore(opts Options, logger *logrus.Logger) (*PostgresStore, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		opts.Host, opts.Port, opts.Database, opts.User, opts.Password, opts.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{
		db:       db,
		attempts: opts.RetryAttempts,
		delay:    opts.RetryDelay,
		logger:   logger,
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("[Storage] Connected to postgres at %s:%d/%s", opts.Host, opts.Port, opts.Database)
	return s, nil
}

func (s *PostgresStore) createTables() error {
	for _, schema := range []string{policySchema, reputationSchema} {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create tables: %v", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// withRetries runs op with bounded retries and wraps the final error.
func (s *PostgresStore) withRetries(opName string, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < s.attempts {
			s.logger.Warnf("[Storage] %s attempt %d/%d failed, retrying: %v",
				opName, attempt, s.attempts, err)
			time.Sleep(s.delay * time.Duration(attempt))
		}
	}
	return &model.TransientStoreError{Op: opName, Err: err}
}

// SavePolicy upserts one rule.
func (s *PostgresStore) SavePolicy(rule model.PolicyRule) error {
	return s.withRetries("save policy", func() error {
		_, err := s.db.Exec(`
			INSERT INTO policies (id, source, action, target_type, target_value, priority, reason, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				source = EXCLUDED.source,
				action = EXCLUDED.action,
				target_type = EXCLUDED.target_type,
				target_value = EXCLUDED.target_value,
				priority = EXCLUDED.priority,
				reason = EXCLUDED.reason,
				expires_at = EXCLUDED.expires_at`,
			rule.ID, rule.Source, rule.Action, rule.TargetType, rule.TargetValue,
			rule.Priority, rule.Reason, rule.CreatedAt, rule.ExpiresAt)
		return err
	})
}

// DeletePolicy removes one rule. Deleting an unknown id is not an error.
func (s *PostgresStore) DeletePolicy(id string) error {
	return s.withRetries("delete policy", func() error {
		_, err := s.db.Exec(`DELETE FROM policies WHERE id = $1`, id)
		return err
	})
}

// LoadPolicies returns every persisted rule.
func (s *PostgresStore) LoadPolicies() ([]model.PolicyRule, error) {
	var rules []model.PolicyRule
	err := s.withRetries("load policies", func() error {
		rows, err := s.db.Query(`
			SELECT id, source, action, target_type, target_value, priority, reason, created_at, expires_at
			FROM policies`)
		if err != nil {
			return err
		}
		defer rows.Close()

		rules = rules[:0]
		for rows.Next() {
			var rule model.PolicyRule
			var reason sql.NullString
			var expires sql.NullTime
			if err := rows.Scan(&rule.ID, &rule.Source, &rule.Action, &rule.TargetType,
				&rule.TargetValue, &rule.Priority, &reason, &rule.CreatedAt, &expires); err != nil {
				return err
			}
			rule.Reason = reason.String
			if expires.Valid {
				t := expires.Time
				rule.ExpiresAt = &t
			}
			rules = append(rules, rule)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// SaveReputation upserts one record.
func (s *PostgresStore) SaveReputation(rec reputation.Record) error {
	return s.withRetries("save reputation", func() error {
		_, err := s.db.Exec(`
			INSERT INTO reputation (identity, score, last_updated, sample_count, malicious, legitimate, false_positives)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (identity) DO UPDATE SET
				score = EXCLUDED.score,
				last_updated = EXCLUDED.last_updated,
				sample_count = EXCLUDED.sample_count,
				malicious = EXCLUDED.malicious,
				legitimate = EXCLUDED.legitimate,
				false_positives = EXCLUDED.false_positives`,
			rec.Identity, rec.Score, rec.LastUpdated, rec.SampleCount,
			rec.Malicious, rec.Legitimate, rec.FalsePositives)
		return err
	})
}

// LoadReputations returns every persisted record.
func (s *PostgresStore) LoadReputations() ([]reputation.Record, error) {
	var records []reputation.Record
	err := s.withRetries("load reputations", func() error {
		rows, err := s.db.Query(`
			SELECT identity, score, last_updated, sample_count, malicious, legitimate, false_positives
			FROM reputation`)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var rec reputation.Record
			if err := rows.Scan(&rec.Identity, &rec.Score, &rec.LastUpdated,
				&rec.SampleCount, &rec.Malicious, &rec.Legitimate, &rec.FalsePositives); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
