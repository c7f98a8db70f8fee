package scylla

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
)

//go:embed schema.cql
var schemaCQL string

const accountColumns = `role, user_bucket, account_id, name, user_name, email,
	is_verified, is_active, last_login, created_at, updated_at,
	password_hash, login_attempts, lock_until, password_reset_token, password_reset_expires`

// Statements holds the CQL used by the account repository. Queries are
// built per call from these strings; gocql caches the prepared form.
type Statements struct {
	InsertAccount    string
	SelectAccount    string
	UpdateAccount    string
	RecordFailure    string
	ClaimEmail       string
	SelectEmail      string
	ReleaseEmail     string
	ClaimUserName    string
	SelectUserName   string
	ReleaseUserName  string
	InsertResetToken string
	SelectResetToken string
	DeleteResetToken string
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
	logger     *zap.Logger
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		Statements: buildStatements(),
		logger:     logger,
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func buildStatements() Statements {
	return Statements{
		InsertAccount: `INSERT INTO accounts (` + accountColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		SelectAccount: `SELECT ` + accountColumns + `
			FROM accounts WHERE role = ? AND user_bucket = ? AND account_id = ?`,
		UpdateAccount: `UPDATE accounts SET name = ?, user_name = ?, email = ?,
			is_verified = ?, is_active = ?, last_login = ?, updated_at = ?,
			password_hash = ?, login_attempts = ?, lock_until = ?,
			password_reset_token = ?, password_reset_expires = ?
			WHERE role = ? AND user_bucket = ? AND account_id = ? IF EXISTS`,
		RecordFailure: `UPDATE accounts SET login_attempts = ?, lock_until = ?, updated_at = ?
			WHERE role = ? AND user_bucket = ? AND account_id = ?
			IF login_attempts = ? AND lock_until = ?`,

		ClaimEmail: `INSERT INTO accounts_by_email (role, email, account_id, user_bucket)
			VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		SelectEmail:  `SELECT account_id, user_bucket FROM accounts_by_email WHERE role = ? AND email = ?`,
		ReleaseEmail: `DELETE FROM accounts_by_email WHERE role = ? AND email = ? IF account_id = ?`,

		ClaimUserName: `INSERT INTO accounts_by_user_name (role, user_name, account_id, user_bucket)
			VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		SelectUserName:  `SELECT account_id, user_bucket FROM accounts_by_user_name WHERE role = ? AND user_name = ?`,
		ReleaseUserName: `DELETE FROM accounts_by_user_name WHERE role = ? AND user_name = ? IF account_id = ?`,

		InsertResetToken: `INSERT INTO accounts_by_reset_token (role, token_hash, account_id, user_bucket)
			VALUES (?, ?, ?, ?) USING TTL ?`,
		SelectResetToken: `SELECT account_id, user_bucket FROM accounts_by_reset_token WHERE role = ? AND token_hash = ?`,
		DeleteResetToken: `DELETE FROM accounts_by_reset_token WHERE role = ? AND token_hash = ?`,
	}
}

// EnsureSchema creates the account tables when they are missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaCQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	s.logger.Info("ScyllaDB account schema ensured")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		s.logger.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	s.logger.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures. Not-found is returned
// immediately.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
