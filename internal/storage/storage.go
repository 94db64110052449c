package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/acmegate/acmegate/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNonceConsumed is returned when a nonce has already been used or never existed.
var ErrNonceConsumed = errors.New("storage: nonce already consumed or unknown")

// Querier defines common methods implemented by *sql.DB and *sql.Tx, so
// storage methods work against either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage is the persistence boundary for the ACME engine.
type Storage interface {
	// Issuer key material (internally managed CAs).
	SaveCAKeyPair(ctx context.Context, issuerID string, keyPEM, certPEM []byte) error
	GetCAKeyPair(ctx context.Context, issuerID string) (keyPEM []byte, certPEM []byte, err error)
	ListIssuerIDs(ctx context.Context) ([]string, error)

	// Upstream accounts.
	SaveAccount(ctx context.Context, acct *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByDirectory(ctx context.Context, directoryURL, environment string) (*model.Account, error)

	// Orders.
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// ListOrdersByAuthzURL returns every order whose recorded authorization
	// URL set contains authzURL. The proxy correlator requires the full list
	// so it can reject anything other than exactly one match.
	ListOrdersByAuthzURL(ctx context.Context, authzURL string) ([]*model.Order, error)
	// ListRenewableOrders returns auto-renew orders expiring before cutoff
	// that are in a terminal or ready state.
	ListRenewableOrders(ctx context.Context, cutoff time.Time) ([]*model.Order, error)

	// Local-server authorizations and challenges.
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error)
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)

	// Local-server nonces.
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)

	// Issued certificates. SaveCertificateData is an upsert keyed by serial,
	// so repeating the handoff after a crash is safe.
	SaveCertificateData(ctx context.Context, certData *model.CertificateData) error
	GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error)
	GetCertificateByOrderID(ctx context.Context, orderID string) (*model.CertificateData, error)

	// Domain policies and DNS provider bindings.
	SaveDomainPolicy(ctx context.Context, policy *model.DomainPolicy) error
	GetDomainPolicy(ctx context.Context, domain string) (*model.DomainPolicy, error)
	ListDomainPolicies(ctx context.Context) ([]*model.DomainPolicy, error)
	DeleteDomainPolicy(ctx context.Context, domain string) error
	SaveProviderBinding(ctx context.Context, binding *model.ProviderBinding) error
	ListProviderBindings(ctx context.Context) ([]*model.ProviderBinding, error)
	DeleteProviderBinding(ctx context.Context, suffix string) error

	// WithinTransaction runs fn against a transactional view of the store.
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// NewStorage is the factory function.
func NewStorage(storageType string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// --- PostgreSQL Implementation ---

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewPostgreSQLStorage creates a PostgreSQLStorage and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQLStorage initialized", zap.String("host", dbHost), zap.String("dbname", dbName))
	return &PostgreSQLStorage{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issuer_keys ( issuer_id TEXT PRIMARY KEY, key_data BYTEA NOT NULL, cert_data BYTEA NOT NULL, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS upstream_accounts ( id TEXT PRIMARY KEY, directory_url TEXT NOT NULL, environment TEXT NOT NULL, key_pem TEXT NOT NULL, account_url TEXT NOT NULL DEFAULT '', contact TEXT[], tos_agreed BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL, UNIQUE (directory_url, environment) );`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL DEFAULT '', mode TEXT NOT NULL, status TEXT NOT NULL, domains TEXT[] NOT NULL, challenge_type TEXT NOT NULL, environment TEXT NOT NULL DEFAULT '', issuer_id TEXT NOT NULL DEFAULT '', csr_pem TEXT NOT NULL DEFAULT '', upstream_order_url TEXT NOT NULL DEFAULT '', upstream_finalize_url TEXT NOT NULL DEFAULT '', upstream_certificate_url TEXT NOT NULL DEFAULT '', authz_urls TEXT[] NOT NULL DEFAULT '{}', authz_map JSONB, client_thumbprint TEXT NOT NULL DEFAULT '', error_json JSONB, certificate_serial TEXT NOT NULL DEFAULT '', auto_renew BOOLEAN NOT NULL DEFAULT false, renewal_failures INTEGER NOT NULL DEFAULT 0, last_attempt_at TIMESTAMP WITH TIME ZONE, last_renewal_at TIMESTAMP WITH TIME ZONE, last_error_at TIMESTAMP WITH TIME ZONE, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_status ON acme_orders (status);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_authz_urls ON acme_orders USING GIN (authz_urls);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_renewal ON acme_orders (auto_renew, expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, order_id TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL UNIQUE, validated_at TIMESTAMP WITH TIME ZONE, error_json JSONB, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS certificates_data ( serial_number TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, chain_pem TEXT, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, order_id TEXT NOT NULL, revoked BOOLEAN NOT NULL DEFAULT false, revoked_at TIMESTAMP WITH TIME ZONE );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_order_id ON certificates_data (order_id);`,
		`CREATE TABLE IF NOT EXISTS domain_policies ( domain TEXT PRIMARY KEY, upstream BOOLEAN NOT NULL DEFAULT false, directory_url TEXT NOT NULL DEFAULT '', issuer_id TEXT NOT NULL DEFAULT '', auto_approve BOOLEAN NOT NULL DEFAULT false, wildcard_allowed BOOLEAN NOT NULL DEFAULT false, auto_renew BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS provider_bindings ( suffix TEXT PRIMARY KEY, type TEXT NOT NULL, zone TEXT NOT NULL DEFAULT '', credentials_json JSONB, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
	}

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}
	return nil
}

// WithinTransaction begins a transaction, runs fn against it, and commits or
// rolls back depending on the returned error.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}

func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	// Already inside a transaction; reuse it.
	return fn(ctx, s)
}

func (s *PostgreSQLStorage) Close() error { return s.db.Close() }
func (s *postgresTxStore) Close() error   { return errors.New("storage: cannot close a transaction store") }

// The actual data methods are shared between pool and transaction stores via
// the Querier interface.

func (s *PostgreSQLStorage) q() Querier { return s.db }
func (s *postgresTxStore) q() Querier   { return s.tx }

// --- Issuer key material ---

func saveCAKeyPair(ctx context.Context, q Querier, issuerID string, keyPEM, certPEM []byte) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO issuer_keys (issuer_id, key_data, cert_data) VALUES ($1, $2, $3)
		 ON CONFLICT (issuer_id) DO UPDATE SET key_data = EXCLUDED.key_data, cert_data = EXCLUDED.cert_data`,
		issuerID, keyPEM, certPEM)
	if err != nil {
		return fmt.Errorf("storage: save issuer key pair %s: %w", issuerID, err)
	}
	return nil
}

func getCAKeyPair(ctx context.Context, q Querier, issuerID string) ([]byte, []byte, error) {
	var keyPEM, certPEM []byte
	err := q.QueryRowContext(ctx, `SELECT key_data, cert_data FROM issuer_keys WHERE issuer_id = $1`, issuerID).
		Scan(&keyPEM, &certPEM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storage: get issuer key pair %s: %w", issuerID, err)
	}
	return keyPEM, certPEM, nil
}

func listIssuerIDs(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT issuer_id FROM issuer_keys ORDER BY issuer_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list issuer IDs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan issuer ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgreSQLStorage) SaveCAKeyPair(ctx context.Context, issuerID string, keyPEM, certPEM []byte) error {
	return saveCAKeyPair(ctx, s.q(), issuerID, keyPEM, certPEM)
}
func (s *postgresTxStore) SaveCAKeyPair(ctx context.Context, issuerID string, keyPEM, certPEM []byte) error {
	return saveCAKeyPair(ctx, s.q(), issuerID, keyPEM, certPEM)
}
func (s *PostgreSQLStorage) GetCAKeyPair(ctx context.Context, issuerID string) ([]byte, []byte, error) {
	return getCAKeyPair(ctx, s.q(), issuerID)
}
func (s *postgresTxStore) GetCAKeyPair(ctx context.Context, issuerID string) ([]byte, []byte, error) {
	return getCAKeyPair(ctx, s.q(), issuerID)
}
func (s *PostgreSQLStorage) ListIssuerIDs(ctx context.Context) ([]string, error) {
	return listIssuerIDs(ctx, s.q())
}
func (s *postgresTxStore) ListIssuerIDs(ctx context.Context) ([]string, error) {
	return listIssuerIDs(ctx, s.q())
}

// --- Upstream accounts ---

func saveAccount(ctx context.Context, q Querier, acct *model.Account) error {
	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.LastModifiedAt = now
	_, err := q.ExecContext(ctx,
		`INSERT INTO upstream_accounts (id, directory_url, environment, key_pem, account_url, contact, tos_agreed, created_at, last_modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET key_pem = EXCLUDED.key_pem, account_url = EXCLUDED.account_url,
		   contact = EXCLUDED.contact, tos_agreed = EXCLUDED.tos_agreed, last_modified_at = EXCLUDED.last_modified_at`,
		acct.ID, acct.DirectoryURL, acct.Environment, acct.KeyPEM, acct.AccountURL,
		pq.Array(acct.Contact), acct.TermsAgreed, acct.CreatedAt, acct.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: save account %s: %w", acct.ID, err)
	}
	return nil
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	acct := &model.Account{}
	var contact pq.StringArray
	err := row.Scan(&acct.ID, &acct.DirectoryURL, &acct.Environment, &acct.KeyPEM,
		&acct.AccountURL, &contact, &acct.TermsAgreed, &acct.CreatedAt, &acct.LastModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan account: %w", err)
	}
	acct.Contact = contact
	return acct, nil
}

const accountColumns = `id, directory_url, environment, key_pem, account_url, contact, tos_agreed, created_at, last_modified_at`

func getAccount(ctx context.Context, q Querier, id string) (*model.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM upstream_accounts WHERE id = $1`, id))
}

func getAccountByDirectory(ctx context.Context, q Querier, directoryURL, environment string) (*model.Account, error) {
	return scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM upstream_accounts WHERE directory_url = $1 AND environment = $2`,
		directoryURL, environment))
}

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acct *model.Account) error {
	return saveAccount(ctx, s.q(), acct)
}
func (s *postgresTxStore) SaveAccount(ctx context.Context, acct *model.Account) error {
	return saveAccount(ctx, s.q(), acct)
}
func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.q(), id)
}
func (s *postgresTxStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.q(), id)
}
func (s *PostgreSQLStorage) GetAccountByDirectory(ctx context.Context, directoryURL, environment string) (*model.Account, error) {
	return getAccountByDirectory(ctx, s.q(), directoryURL, environment)
}
func (s *postgresTxStore) GetAccountByDirectory(ctx context.Context, directoryURL, environment string) (*model.Account, error) {
	return getAccountByDirectory(ctx, s.q(), directoryURL, environment)
}

// --- Orders ---

const orderColumns = `id, account_id, mode, status, domains, challenge_type, environment, issuer_id, csr_pem,
	upstream_order_url, upstream_finalize_url, upstream_certificate_url, authz_urls, authz_map,
	client_thumbprint, error_json, certificate_serial, auto_renew, renewal_failures,
	last_attempt_at, last_renewal_at, last_error_at, expires_at, created_at, last_modified_at`

func saveOrder(ctx context.Context, q Querier, order *model.Order) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now

	var authzMapJSON []byte
	if order.AuthzMap != nil {
		b, err := json.Marshal(order.AuthzMap)
		if err != nil {
			return fmt.Errorf("storage: marshal authz map for order %s: %w", order.ID, err)
		}
		authzMapJSON = b
	}
	var errorJSON []byte
	if order.Error != nil {
		b, err := json.Marshal(order.Error)
		if err != nil {
			return fmt.Errorf("storage: marshal error detail for order %s: %w", order.ID, err)
		}
		errorJSON = b
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO acme_orders (id, account_id, mode, status, domains, challenge_type, environment, issuer_id, csr_pem,
		   upstream_order_url, upstream_finalize_url, upstream_certificate_url, authz_urls, authz_map,
		   client_thumbprint, error_json, certificate_serial, auto_renew, renewal_failures,
		   last_attempt_at, last_renewal_at, last_error_at, expires_at, created_at, last_modified_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		 ON CONFLICT (id) DO UPDATE SET
		   account_id = EXCLUDED.account_id, status = EXCLUDED.status, csr_pem = EXCLUDED.csr_pem,
		   upstream_order_url = EXCLUDED.upstream_order_url, upstream_finalize_url = EXCLUDED.upstream_finalize_url,
		   upstream_certificate_url = EXCLUDED.upstream_certificate_url, authz_urls = EXCLUDED.authz_urls,
		   authz_map = EXCLUDED.authz_map, client_thumbprint = EXCLUDED.client_thumbprint,
		   error_json = EXCLUDED.error_json, certificate_serial = EXCLUDED.certificate_serial,
		   auto_renew = EXCLUDED.auto_renew, renewal_failures = EXCLUDED.renewal_failures,
		   last_attempt_at = EXCLUDED.last_attempt_at, last_renewal_at = EXCLUDED.last_renewal_at,
		   last_error_at = EXCLUDED.last_error_at, expires_at = EXCLUDED.expires_at,
		   last_modified_at = EXCLUDED.last_modified_at`,
		order.ID, order.AccountID, order.Mode, order.Status, pq.Array(order.Domains),
		order.ChallengeType, order.Environment, order.IssuerID, order.CSRPEM,
		order.UpstreamOrderURL, order.UpstreamFinalizeURL, order.UpstreamCertificateURL,
		pq.Array(order.AuthzURLs), nullableJSON(authzMapJSON), order.ClientThumbprint,
		nullableJSON(errorJSON), order.CertificateSerial, order.AutoRenew, order.RenewalFailures,
		nullableTime(order.LastAttemptAt), nullableTime(order.LastRenewalAt), nullableTime(order.LastErrorAt),
		order.ExpiresAt, order.CreatedAt, order.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: save order %s: %w", order.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	order := &model.Order{}
	var domains, authzURLs pq.StringArray
	var authzMapJSON, errorJSON []byte
	var lastAttempt, lastRenewal, lastError sql.NullTime
	err := row.Scan(&order.ID, &order.AccountID, &order.Mode, &order.Status, &domains,
		&order.ChallengeType, &order.Environment, &order.IssuerID, &order.CSRPEM,
		&order.UpstreamOrderURL, &order.UpstreamFinalizeURL, &order.UpstreamCertificateURL,
		&authzURLs, &authzMapJSON, &order.ClientThumbprint, &errorJSON, &order.CertificateSerial,
		&order.AutoRenew, &order.RenewalFailures, &lastAttempt, &lastRenewal, &lastError,
		&order.ExpiresAt, &order.CreatedAt, &order.LastModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan order: %w", err)
	}
	order.Domains = domains
	order.AuthzURLs = authzURLs
	if len(authzMapJSON) > 0 {
		if err := json.Unmarshal(authzMapJSON, &order.AuthzMap); err != nil {
			return nil, fmt.Errorf("storage: unmarshal authz map for order %s: %w", order.ID, err)
		}
	}
	if len(errorJSON) > 0 {
		order.Error = &model.ProblemDetails{}
		if err := json.Unmarshal(errorJSON, order.Error); err != nil {
			return nil, fmt.Errorf("storage: unmarshal error detail for order %s: %w", order.ID, err)
		}
	}
	order.LastAttemptAt = lastAttempt.Time
	order.LastRenewalAt = lastRenewal.Time
	order.LastErrorAt = lastError.Time
	return order, nil
}

func getOrder(ctx context.Context, q Querier, id string) (*model.Order, error) {
	return scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM acme_orders WHERE id = $1`, id))
}

func listOrders(ctx context.Context, q Querier, query string, args ...interface{}) ([]*model.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query orders: %w", err)
	}
	defer rows.Close()
	var orders []*model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func listOrdersByAuthzURL(ctx context.Context, q Querier, authzURL string) ([]*model.Order, error) {
	return listOrders(ctx, q,
		`SELECT `+orderColumns+` FROM acme_orders WHERE $1 = ANY(authz_urls)`, authzURL)
}

func listRenewableOrders(ctx context.Context, q Querier, cutoff time.Time) ([]*model.Order, error) {
	return listOrders(ctx, q,
		`SELECT `+orderColumns+` FROM acme_orders
		 WHERE auto_renew = true AND expires_at <= $1 AND status IN ('valid', 'invalid', 'ready')
		 ORDER BY expires_at`, cutoff)
}

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.q(), order)
}
func (s *postgresTxStore) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.q(), order)
}
func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.q(), id)
}
func (s *postgresTxStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.q(), id)
}
func (s *PostgreSQLStorage) ListOrdersByAuthzURL(ctx context.Context, authzURL string) ([]*model.Order, error) {
	return listOrdersByAuthzURL(ctx, s.q(), authzURL)
}
func (s *postgresTxStore) ListOrdersByAuthzURL(ctx context.Context, authzURL string) ([]*model.Order, error) {
	return listOrdersByAuthzURL(ctx, s.q(), authzURL)
}
func (s *PostgreSQLStorage) ListRenewableOrders(ctx context.Context, cutoff time.Time) ([]*model.Order, error) {
	return listRenewableOrders(ctx, s.q(), cutoff)
}
func (s *postgresTxStore) ListRenewableOrders(ctx context.Context, cutoff time.Time) ([]*model.Order, error) {
	return listRenewableOrders(ctx, s.q(), cutoff)
}

// --- Authorizations ---

func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	identJSON, err := json.Marshal(authz.Identifier)
	if err != nil {
		return fmt.Errorf("storage: marshal identifier for authz %s: %w", authz.ID, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO acme_authorizations (id, order_id, identifier_json, status, expires_at, wildcard, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at`,
		authz.ID, authz.OrderID, identJSON, authz.Status, authz.Expires, authz.Wildcard, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: save authorization %s: %w", authz.ID, err)
	}
	return nil
}

func scanAuthorization(row rowScanner) (*model.Authorization, error) {
	authz := &model.Authorization{}
	var identJSON []byte
	err := row.Scan(&authz.ID, &authz.OrderID, &identJSON, &authz.Status, &authz.Expires, &authz.Wildcard, &authz.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan authorization: %w", err)
	}
	if err := json.Unmarshal(identJSON, &authz.Identifier); err != nil {
		return nil, fmt.Errorf("storage: unmarshal identifier for authz %s: %w", authz.ID, err)
	}
	return authz, nil
}

const authzColumns = `id, order_id, identifier_json, status, expires_at, wildcard, created_at`

func getAuthorization(ctx context.Context, q Querier, id string) (*model.Authorization, error) {
	return scanAuthorization(q.QueryRowContext(ctx, `SELECT `+authzColumns+` FROM acme_authorizations WHERE id = $1`, id))
}

func getAuthorizationsByOrderID(ctx context.Context, q Querier, orderID string) ([]*model.Authorization, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+authzColumns+` FROM acme_authorizations WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: query authorizations for order %s: %w", orderID, err)
	}
	defer rows.Close()
	var result []*model.Authorization
	for rows.Next() {
		authz, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, authz)
	}
	return result, rows.Err()
}

func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.q(), authz)
}
func (s *postgresTxStore) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.q(), authz)
}
func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.q(), id)
}
func (s *postgresTxStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.q(), id)
}
func (s *PostgreSQLStorage) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.q(), orderID)
}
func (s *postgresTxStore) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.q(), orderID)
}

// --- Challenges ---

func saveChallenge(ctx context.Context, q Querier, chal *model.Challenge) error {
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	var errorJSON []byte
	if chal.Error != nil {
		b, err := json.Marshal(chal.Error)
		if err != nil {
			return fmt.Errorf("storage: marshal error detail for challenge %s: %w", chal.ID, err)
		}
		errorJSON = b
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO acme_challenges (id, authorization_id, type, status, token, validated_at, error_json, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, validated_at = EXCLUDED.validated_at, error_json = EXCLUDED.error_json`,
		chal.ID, chal.AuthorizationID, chal.Type, chal.Status, chal.Token,
		nullableTime(chal.Validated), nullableJSON(errorJSON), chal.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: save challenge %s: %w", chal.ID, err)
	}
	return nil
}

func scanChallenge(row rowScanner) (*model.Challenge, error) {
	chal := &model.Challenge{}
	var validated sql.NullTime
	var errorJSON []byte
	err := row.Scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &chal.Status, &chal.Token, &validated, &errorJSON, &chal.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan challenge: %w", err)
	}
	chal.Validated = validated.Time
	if len(errorJSON) > 0 {
		chal.Error = &model.ProblemDetails{}
		if err := json.Unmarshal(errorJSON, chal.Error); err != nil {
			return nil, fmt.Errorf("storage: unmarshal error detail for challenge %s: %w", chal.ID, err)
		}
	}
	return chal, nil
}

const challengeColumns = `id, authorization_id, type, status, token, validated_at, error_json, created_at`

func getChallenge(ctx context.Context, q Querier, id string) (*model.Challenge, error) {
	return scanChallenge(q.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM acme_challenges WHERE id = $1`, id))
}

func getChallengeByToken(ctx context.Context, q Querier, token string) (*model.Challenge, error) {
	return scanChallenge(q.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM acme_challenges WHERE token = $1`, token))
}

func getChallengesByAuthorizationID(ctx context.Context, q Querier, authzID string) ([]*model.Challenge, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+challengeColumns+` FROM acme_challenges WHERE authorization_id = $1 ORDER BY created_at`, authzID)
	if err != nil {
		return nil, fmt.Errorf("storage: query challenges for authz %s: %w", authzID, err)
	}
	defer rows.Close()
	var result []*model.Challenge
	for rows.Next() {
		chal, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, chal)
	}
	return result, rows.Err()
}

func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.q(), chal)
}
func (s *postgresTxStore) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.q(), chal)
}
func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.q(), id)
}
func (s *postgresTxStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.q(), id)
}
func (s *PostgreSQLStorage) GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error) {
	return getChallengeByToken(ctx, s.q(), token)
}
func (s *postgresTxStore) GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error) {
	return getChallengeByToken(ctx, s.q(), token)
}
func (s *PostgreSQLStorage) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.q(), authzID)
}
func (s *postgresTxStore) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.q(), authzID)
}

// --- Nonces ---

func saveNonce(ctx context.Context, q Querier, nonce *model.Nonce) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO acme_nonces (value, expires_at, issued_at) VALUES ($1, $2, $3)`,
		nonce.Value, nonce.ExpiresAt, nonce.IssuedAt)
	if err != nil {
		return fmt.Errorf("storage: save nonce: %w", err)
	}
	return nil
}

// consumeNonce deletes and returns the nonce in one statement so two
// concurrent requests can never both succeed with the same value.
func consumeNonce(ctx context.Context, q Querier, nonceValue string) (*model.Nonce, error) {
	nonce := &model.Nonce{}
	err := q.QueryRowContext(ctx,
		`DELETE FROM acme_nonces WHERE value = $1 AND expires_at > NOW() RETURNING value, expires_at, issued_at`,
		nonceValue).Scan(&nonce.Value, &nonce.ExpiresAt, &nonce.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNonceConsumed
	}
	if err != nil {
		return nil, fmt.Errorf("storage: consume nonce: %w", err)
	}
	return nonce, nil
}

func deleteExpiredNonces(ctx context.Context, q Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM acme_nonces WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired nonces: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.q(), nonce)
}
func (s *postgresTxStore) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.q(), nonce)
}
func (s *PostgreSQLStorage) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.q(), nonceValue)
}
func (s *postgresTxStore) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.q(), nonceValue)
}
func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.q())
}
func (s *postgresTxStore) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.q())
}

// --- Certificates ---

func saveCertificateData(ctx context.Context, q Querier, certData *model.CertificateData) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO certificates_data (serial_number, certificate_pem, chain_pem, issued_at, expires_at, order_id, revoked, revoked_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (serial_number) DO UPDATE SET revoked = EXCLUDED.revoked, revoked_at = EXCLUDED.revoked_at`,
		certData.SerialNumber, certData.CertificatePEM, certData.ChainPEM, certData.IssuedAt,
		certData.ExpiresAt, certData.OrderID, certData.Revoked, nullableTime(certData.RevokedAt))
	if err != nil {
		return fmt.Errorf("storage: save certificate %s: %w", certData.SerialNumber, err)
	}
	return nil
}

const certColumns = `serial_number, certificate_pem, chain_pem, issued_at, expires_at, order_id, revoked, revoked_at`

func scanCertificate(row rowScanner) (*model.CertificateData, error) {
	cert := &model.CertificateData{}
	var chain sql.NullString
	var revokedAt sql.NullTime
	err := row.Scan(&cert.SerialNumber, &cert.CertificatePEM, &chain, &cert.IssuedAt,
		&cert.ExpiresAt, &cert.OrderID, &cert.Revoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan certificate: %w", err)
	}
	cert.ChainPEM = chain.String
	cert.RevokedAt = revokedAt.Time
	return cert, nil
}

func getCertificateData(ctx context.Context, q Querier, serialNumber string) (*model.CertificateData, error) {
	return scanCertificate(q.QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM certificates_data WHERE serial_number = $1`, serialNumber))
}

func getCertificateByOrderID(ctx context.Context, q Querier, orderID string) (*model.CertificateData, error) {
	return scanCertificate(q.QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM certificates_data WHERE order_id = $1 ORDER BY issued_at DESC LIMIT 1`, orderID))
}

func (s *PostgreSQLStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.q(), certData)
}
func (s *postgresTxStore) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.q(), certData)
}
func (s *PostgreSQLStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.q(), serialNumber)
}
func (s *postgresTxStore) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.q(), serialNumber)
}
func (s *PostgreSQLStorage) GetCertificateByOrderID(ctx context.Context, orderID string) (*model.CertificateData, error) {
	return getCertificateByOrderID(ctx, s.q(), orderID)
}
func (s *postgresTxStore) GetCertificateByOrderID(ctx context.Context, orderID string) (*model.CertificateData, error) {
	return getCertificateByOrderID(ctx, s.q(), orderID)
}

// --- Domain policies ---

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
}

func saveDomainPolicy(ctx context.Context, q Querier, policy *model.DomainPolicy) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO domain_policies (domain, upstream, directory_url, issuer_id, auto_approve, wildcard_allowed, auto_renew)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (domain) DO UPDATE SET upstream = EXCLUDED.upstream, directory_url = EXCLUDED.directory_url,
		   issuer_id = EXCLUDED.issuer_id, auto_approve = EXCLUDED.auto_approve,
		   wildcard_allowed = EXCLUDED.wildcard_allowed, auto_renew = EXCLUDED.auto_renew`,
		normalizeDomain(policy.Domain), policy.Upstream, policy.DirectoryURL, policy.IssuerID,
		policy.AutoApprove, policy.WildcardAllowed, policy.AutoRenew)
	if err != nil {
		return fmt.Errorf("storage: save domain policy %s: %w", policy.Domain, err)
	}
	return nil
}

const policyColumns = `domain, upstream, directory_url, issuer_id, auto_approve, wildcard_allowed, auto_renew, created_at`

func scanDomainPolicy(row rowScanner) (*model.DomainPolicy, error) {
	p := &model.DomainPolicy{}
	err := row.Scan(&p.Domain, &p.Upstream, &p.DirectoryURL, &p.IssuerID, &p.AutoApprove,
		&p.WildcardAllowed, &p.AutoRenew, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan domain policy: %w", err)
	}
	return p, nil
}

func getDomainPolicy(ctx context.Context, q Querier, domain string) (*model.DomainPolicy, error) {
	return scanDomainPolicy(q.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM domain_policies WHERE domain = $1`, normalizeDomain(domain)))
}

func listDomainPolicies(ctx context.Context, q Querier) ([]*model.DomainPolicy, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+policyColumns+` FROM domain_policies ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("storage: list domain policies: %w", err)
	}
	defer rows.Close()
	var result []*model.DomainPolicy
	for rows.Next() {
		p, err := scanDomainPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func deleteDomainPolicy(ctx context.Context, q Querier, domain string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM domain_policies WHERE domain = $1`, normalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("storage: delete domain policy %s: %w", domain, err)
	}
	return nil
}

func (s *PostgreSQLStorage) SaveDomainPolicy(ctx context.Context, policy *model.DomainPolicy) error {
	return saveDomainPolicy(ctx, s.q(), policy)
}
func (s *postgresTxStore) SaveDomainPolicy(ctx context.Context, policy *model.DomainPolicy) error {
	return saveDomainPolicy(ctx, s.q(), policy)
}
func (s *PostgreSQLStorage) GetDomainPolicy(ctx context.Context, domain string) (*model.DomainPolicy, error) {
	return getDomainPolicy(ctx, s.q(), domain)
}
func (s *postgresTxStore) GetDomainPolicy(ctx context.Context, domain string) (*model.DomainPolicy, error) {
	return getDomainPolicy(ctx, s.q(), domain)
}
func (s *PostgreSQLStorage) ListDomainPolicies(ctx context.Context) ([]*model.DomainPolicy, error) {
	return listDomainPolicies(ctx, s.q())
}
func (s *postgresTxStore) ListDomainPolicies(ctx context.Context) ([]*model.DomainPolicy, error) {
	return listDomainPolicies(ctx, s.q())
}
func (s *PostgreSQLStorage) DeleteDomainPolicy(ctx context.Context, domain string) error {
	return deleteDomainPolicy(ctx, s.q(), domain)
}
func (s *postgresTxStore) DeleteDomainPolicy(ctx context.Context, domain string) error {
	return deleteDomainPolicy(ctx, s.q(), domain)
}

// --- Provider bindings ---

func saveProviderBinding(ctx context.Context, q Querier, binding *model.ProviderBinding) error {
	var credsJSON []byte
	if binding.Credentials != nil {
		b, err := json.Marshal(binding.Credentials)
		if err != nil {
			return fmt.Errorf("storage: marshal credentials for binding %s: %w", binding.Suffix, err)
		}
		credsJSON = b
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO provider_bindings (suffix, type, zone, credentials_json) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (suffix) DO UPDATE SET type = EXCLUDED.type, zone = EXCLUDED.zone, credentials_json = EXCLUDED.credentials_json`,
		normalizeDomain(binding.Suffix), binding.Type, binding.Zone, nullableJSON(credsJSON))
	if err != nil {
		return fmt.Errorf("storage: save provider binding %s: %w", binding.Suffix, err)
	}
	return nil
}

func listProviderBindings(ctx context.Context, q Querier) ([]*model.ProviderBinding, error) {
	rows, err := q.QueryContext(ctx, `SELECT suffix, type, zone, credentials_json, created_at FROM provider_bindings ORDER BY suffix`)
	if err != nil {
		return nil, fmt.Errorf("storage: list provider bindings: %w", err)
	}
	defer rows.Close()
	var result []*model.ProviderBinding
	for rows.Next() {
		b := &model.ProviderBinding{}
		var credsJSON []byte
		if err := rows.Scan(&b.Suffix, &b.Type, &b.Zone, &credsJSON, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan provider binding: %w", err)
		}
		if len(credsJSON) > 0 {
			if err := json.Unmarshal(credsJSON, &b.Credentials); err != nil {
				return nil, fmt.Errorf("storage: unmarshal credentials for binding %s: %w", b.Suffix, err)
			}
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func deleteProviderBinding(ctx context.Context, q Querier, suffix string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM provider_bindings WHERE suffix = $1`, normalizeDomain(suffix))
	if err != nil {
		return fmt.Errorf("storage: delete provider binding %s: %w", suffix, err)
	}
	return nil
}

func (s *PostgreSQLStorage) SaveProviderBinding(ctx context.Context, binding *model.ProviderBinding) error {
	return saveProviderBinding(ctx, s.q(), binding)
}
func (s *postgresTxStore) SaveProviderBinding(ctx context.Context, binding *model.ProviderBinding) error {
	return saveProviderBinding(ctx, s.q(), binding)
}
func (s *PostgreSQLStorage) ListProviderBindings(ctx context.Context) ([]*model.ProviderBinding, error) {
	return listProviderBindings(ctx, s.q())
}
func (s *postgresTxStore) ListProviderBindings(ctx context.Context) ([]*model.ProviderBinding, error) {
	return listProviderBindings(ctx, s.q())
}
func (s *PostgreSQLStorage) DeleteProviderBinding(ctx context.Context, suffix string) error {
	return deleteProviderBinding(ctx, s.q(), suffix)
}
func (s *postgresTxStore) DeleteProviderBinding(ctx context.Context, suffix string) error {
	return deleteProviderBinding(ctx, s.q(), suffix)
}

// --- helpers ---

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
