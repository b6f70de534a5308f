package account

import (
	"context"
	"database/sql"
	"encoding/json"
	stderr "errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Schema is the table layout PostgresRepository reads.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id        BIGSERIAL PRIMARY KEY,
	subdomain TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS storage_provider_accounts (
	id            BIGSERIAL PRIMARY KEY,
	account_id    BIGINT NOT NULL REFERENCES accounts(id),
	username      TEXT NOT NULL DEFAULT '',
	password      TEXT NOT NULL DEFAULT '',
	provider_type TEXT NOT NULL,
	is_primary    BOOLEAN NOT NULL DEFAULT FALSE,
	properties    JSONB NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS storage_provider_accounts_one_primary
	ON storage_provider_accounts (account_id) WHERE is_primary;

CREATE TABLE IF NOT EXISTS global_properties (
	id             BIGSERIAL PRIMARY KEY,
	cdn_account_id TEXT NOT NULL DEFAULT '',
	cdn_key_id     TEXT NOT NULL DEFAULT '',
	cdn_key_path   TEXT NOT NULL DEFAULT ''
);
`

// PostgresRepository reads accounts from PostgreSQL.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenPostgres opens a connection pool for dsn.
func OpenPostgres(dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "open postgres").WithComponent("account")
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return db, nil
}

// NewPostgresRepository creates a repository over db. Every query runs
// under timeout when it is positive.
func NewPostgresRepository(db *sql.DB, timeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, timeout: timeout}
}

func (r *PostgresRepository) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

// FindBySubdomain implements Repository.
func (r *PostgresRepository) FindBySubdomain(ctx context.Context, subdomain string) (*AccountInfo, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	info := &AccountInfo{Subdomain: subdomain}
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE subdomain = $1`, subdomain).Scan(&info.ID)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeAccountNotFound, "no account for subdomain %q", subdomain).
			WithComponent("account")
	}
	if err != nil {
		return nil, classify(ctx, err, "find account")
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, password, provider_type, is_primary, properties
		 FROM storage_provider_accounts WHERE account_id = $1 ORDER BY id`, info.ID)
	if err != nil {
		return nil, classify(ctx, err, "list provider accounts")
	}
	defer rows.Close()

	foundPrimary := false
	for rows.Next() {
		var (
			spa       StorageProviderAccount
			ptype     string
			isPrimary bool
			props     []byte
		)
		if err := rows.Scan(&spa.ID, &spa.Username, &spa.Password, &ptype, &isPrimary, &props); err != nil {
			return nil, classify(ctx, err, "scan provider account")
		}
		spa.ProviderType = storage.ProviderType(ptype)
		if len(props) > 0 {
			if err := json.Unmarshal(props, &spa.Properties); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeSerializationFailed, "decode provider properties").
					WithComponent("account").
					WithDetail("provider_account_id", spa.ID)
			}
		}
		if isPrimary && !foundPrimary {
			info.Primary = spa
			foundPrimary = true
			continue
		}
		info.Secondaries = append(info.Secondaries, spa)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err, "list provider accounts")
	}
	if !foundPrimary {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "account %q has no primary storage provider", subdomain).
			WithComponent("account")
	}

	return info, nil
}

// GlobalProperties implements Repository.
func (r *PostgresRepository) GlobalProperties(ctx context.Context) ([]GlobalProperties, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT cdn_account_id, cdn_key_id, cdn_key_path FROM global_properties ORDER BY id`)
	if err != nil {
		return nil, classify(ctx, err, "list global properties")
	}
	defer rows.Close()

	var props []GlobalProperties
	for rows.Next() {
		var p GlobalProperties
		if err := rows.Scan(&p.CDNAccountID, &p.CDNKeyID, &p.CDNKeyPath); err != nil {
			return nil, classify(ctx, err, "scan global properties")
		}
		props = append(props, p)
	}
	return props, classifyOrNil(ctx, rows.Err(), "list global properties")
}

// classify maps driver errors to retryable repository or timeout errors.
func classify(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil || stderr.Is(err, context.DeadlineExceeded) || stderr.Is(err, context.Canceled) {
		if ctxErr == nil {
			ctxErr = err
		}
		return errors.FromContext(ctxErr, op).WithComponent("account")
	}
	return errors.Wrap(err, errors.ErrCodeRepositoryFailure, op).WithComponent("account")
}

func classifyOrNil(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	return classify(ctx, err, op)
}
