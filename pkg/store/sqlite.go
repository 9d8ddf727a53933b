// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/metamcp/pkg/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies all pending
// migrations. The returned store owns the connection; callers must Close it.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent use.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	// The embedded filesystem has files under "migrations/", so we need
	// to strip that prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpstreamServers implements Store.
func (s *SQLiteStore) UpstreamServers() UpstreamServers { return (*sqliteServers)(s) }

// Namespaces implements Store.
func (s *SQLiteStore) Namespaces() Namespaces { return (*sqliteNamespaces)(s) }

// Endpoints implements Store.
func (s *SQLiteStore) Endpoints() Endpoints { return (*sqliteEndpoints)(s) }

// APIKeys implements Store.
func (s *SQLiteStore) APIKeys() APIKeys { return (*sqliteAPIKeys)(s) }

// OAuth implements Store.
func (s *SQLiteStore) OAuth() OAuth { return (*sqliteOAuth)(s) }

var _ Store = (*SQLiteStore)(nil)

const serverColumns = `uuid, name, type, description, command, args, env,
			url, bearer_token, error_status, created_at`

type sqliteServers SQLiteStore

func (s *sqliteServers) GetServer(ctx context.Context, uuid string) (*types.UpstreamServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM upstream_servers WHERE uuid = ?`, uuid)
	return scanServer(row)
}

func (s *sqliteServers) CreateServer(ctx context.Context, srv *types.UpstreamServer) error {
	if err := srv.Validate(); err != nil {
		return err
	}

	args, err := json.Marshal(srv.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	env, err := json.Marshal(srv.Env)
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}

	status := srv.ErrorStatus
	if status == "" {
		status = types.ErrorStatusNone
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upstream_servers (
			uuid, name, type, description, command, args, env,
			url, bearer_token, error_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.UUID, srv.Name, string(srv.Type), srv.Description,
		srv.Command, string(args), string(env),
		srv.URL, srv.BearerToken, string(status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

func (s *sqliteServers) ListNamespaceServers(
	ctx context.Context, namespaceUUID string, includeInactive bool,
) ([]*types.UpstreamServer, error) {
	query := `SELECT ` + serverColumns + `
		FROM upstream_servers
		JOIN namespace_servers ns ON ns.server_uuid = upstream_servers.uuid
		WHERE ns.namespace_uuid = ?`
	args := []any{namespaceUUID}

	if !includeInactive {
		query += ` AND ns.status = ?`
		args = append(args, string(types.MappingStatusActive))
	}
	query += ` ORDER BY upstream_servers.name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying namespace servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.UpstreamServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return out, nil
}

func (s *sqliteServers) SetErrorStatus(ctx context.Context, uuid string, status types.ErrorStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upstream_servers SET error_status = ? WHERE uuid = ?`,
		string(status), uuid,
	)
	if err != nil {
		return fmt.Errorf("updating error status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteServers) SaveTools(ctx context.Context, serverUUID string, tools []types.ToolDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM server_tools WHERE server_uuid = ?`, serverUUID,
	); err != nil {
		return fmt.Errorf("deleting old tools: %w", err)
	}

	for _, tool := range tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("encoding input schema for %q: %w", tool.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO server_tools (server_uuid, name, description, input_schema)
			VALUES (?, ?, ?, ?)`,
			serverUUID, tool.Name, tool.Description, string(schema),
		); err != nil {
			return fmt.Errorf("inserting tool %q: %w", tool.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type sqliteNamespaces SQLiteStore

func (s *sqliteNamespaces) GetNamespace(ctx context.Context, uuid string) (*types.Namespace, error) {
	var (
		ns        types.Namespace
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, name, description, created_at FROM namespaces WHERE uuid = ?`, uuid,
	).Scan(&ns.UUID, &ns.Name, &ns.Description, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning namespace row: %w", err)
	}
	ns.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *sqliteNamespaces) CreateNamespace(ctx context.Context, ns *types.Namespace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (uuid, name, description) VALUES (?, ?, ?)`,
		ns.UUID, ns.Name, ns.Description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting namespace: %w", err)
	}
	return nil
}

func (s *sqliteNamespaces) MapServer(
	ctx context.Context, namespaceUUID, serverUUID string, status types.MappingStatus,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO namespace_servers (namespace_uuid, server_uuid, status)
		VALUES (?, ?, ?)
		ON CONFLICT (namespace_uuid, server_uuid) DO UPDATE SET status = excluded.status`,
		namespaceUUID, serverUUID, string(status),
	)
	if err != nil {
		return fmt.Errorf("mapping server: %w", err)
	}
	return nil
}

type sqliteEndpoints SQLiteStore

func (s *sqliteEndpoints) GetEndpointByName(ctx context.Context, name string) (*types.Endpoint, error) {
	var (
		ep        types.Endpoint
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, namespace_uuid, enable_api_key_auth, enable_oauth,
		       use_query_param_auth, user_id, created_at
		FROM endpoints WHERE name = ?`, name,
	).Scan(
		&ep.UUID, &ep.Name, &ep.NamespaceUUID, &ep.EnableAPIKeyAuth,
		&ep.EnableOAuth, &ep.UseQueryParamAuth, &ep.UserID, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning endpoint row: %w", err)
	}
	ep.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *sqliteEndpoints) CreateEndpoint(ctx context.Context, ep *types.Endpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (
			uuid, name, namespace_uuid, enable_api_key_auth,
			enable_oauth, use_query_param_auth, user_id
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.UUID, ep.Name, ep.NamespaceUUID, ep.EnableAPIKeyAuth,
		ep.EnableOAuth, ep.UseQueryParamAuth, ep.UserID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting endpoint: %w", err)
	}
	return nil
}

type sqliteAPIKeys SQLiteStore

func (s *sqliteAPIKeys) CreateAPIKey(ctx context.Context, key *types.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (uuid, name, key_hash, is_active, user_id)
		VALUES (?, ?, ?, ?, ?)`,
		key.UUID, key.Name, key.KeyHash, key.IsActive, key.UserID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

func (s *sqliteAPIKeys) LookupAPIKey(ctx context.Context, secret string) (*types.APIKey, error) {
	var (
		key       types.APIKey
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, key_hash, is_active, user_id, created_at
		FROM api_keys WHERE key_hash = ? AND is_active = 1`,
		HashAPIKey(secret),
	).Scan(&key.UUID, &key.Name, &key.KeyHash, &key.IsActive, &key.UserID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning api key row: %w", err)
	}
	key.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

type sqliteOAuth SQLiteStore

func (s *sqliteOAuth) UpsertClient(ctx context.Context, client *types.OAuthClient) error {
	redirects, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}
	grants, err := json.Marshal(client.GrantTypes)
	if err != nil {
		return fmt.Errorf("encoding grant types: %w", err)
	}
	responses, err := json.Marshal(client.ResponseTypes)
	if err != nil {
		return fmt.Errorf("encoding response types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (
			client_id, client_secret, client_name, redirect_uris,
			grant_types, response_types, token_endpoint_auth_method
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret = excluded.client_secret,
			client_name = excluded.client_name,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			response_types = excluded.response_types,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method`,
		client.ClientID, client.ClientSecret, client.ClientName,
		string(redirects), string(grants), string(responses),
		client.TokenEndpointAuthMethod,
	)
	if err != nil {
		return fmt.Errorf("upserting oauth client: %w", err)
	}
	return nil
}

func (s *sqliteOAuth) GetClient(ctx context.Context, clientID string) (*types.OAuthClient, error) {
	var (
		client    types.OAuthClient
		redirects string
		grants    string
		responses string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret, client_name, redirect_uris,
		       grant_types, response_types, token_endpoint_auth_method, created_at
		FROM oauth_clients WHERE client_id = ?`, clientID,
	).Scan(
		&client.ClientID, &client.ClientSecret, &client.ClientName,
		&redirects, &grants, &responses, &client.TokenEndpointAuthMethod, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning oauth client row: %w", err)
	}

	if err := json.Unmarshal([]byte(redirects), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	if err := json.Unmarshal([]byte(grants), &client.GrantTypes); err != nil {
		return nil, fmt.Errorf("decoding grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(responses), &client.ResponseTypes); err != nil {
		return nil, fmt.Errorf("decoding response types: %w", err)
	}
	client.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (s *sqliteOAuth) SaveCode(ctx context.Context, code *types.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_codes (
			code, client_id, redirect_uri, scope, user_id,
			code_challenge, code_challenge_method, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.RedirectURI, code.Scope, code.UserID,
		code.CodeChallenge, code.CodeChallengeMethod, formatTime(code.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

func (s *sqliteOAuth) GetCode(ctx context.Context, code string) (*types.AuthorizationCode, error) {
	var (
		row       types.AuthorizationCode
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT code, client_id, redirect_uri, scope, user_id,
		       code_challenge, code_challenge_method, expires_at
		FROM oauth_codes WHERE code = ?`, code,
	).Scan(
		&row.Code, &row.ClientID, &row.RedirectURI, &row.Scope, &row.UserID,
		&row.CodeChallenge, &row.CodeChallengeMethod, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning authorization code row: %w", err)
	}
	row.ExpiresAt, err = parseTime(expiresAt)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqliteOAuth) DeleteCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_codes WHERE code = ?`, code,
	); err != nil {
		return fmt.Errorf("deleting authorization code: %w", err)
	}
	return nil
}

func (s *sqliteOAuth) SaveToken(ctx context.Context, token *types.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (token, client_id, user_id, scope, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.UserID, token.Scope,
		formatTime(token.IssuedAt), formatTime(token.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access token: %w", err)
	}
	return nil
}

func (s *sqliteOAuth) GetToken(ctx context.Context, token string) (*types.AccessToken, error) {
	var (
		row       types.AccessToken
		issuedAt  string
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token, client_id, user_id, scope, issued_at, expires_at
		FROM oauth_tokens WHERE token = ?`, token,
	).Scan(&row.Token, &row.ClientID, &row.UserID, &row.Scope, &issuedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning access token row: %w", err)
	}
	if row.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}
	if row.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqliteOAuth) DeleteToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE token = ?`, token,
	); err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}
	return nil
}

func (s *sqliteOAuth) DeleteExpired(ctx context.Context, now time.Time) error {
	cutoff := formatTime(now)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_codes WHERE expires_at < ?`, cutoff,
	); err != nil {
		return fmt.Errorf("deleting expired codes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE expires_at < ?`, cutoff,
	); err != nil {
		return fmt.Errorf("deleting expired tokens: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanServer(sc scanner) (*types.UpstreamServer, error) {
	var (
		srv         types.UpstreamServer
		serverType  string
		args        string
		env         string
		errorStatus string
		createdAt   string
	)

	err := sc.Scan(
		&srv.UUID, &srv.Name, &serverType, &srv.Description,
		&srv.Command, &args, &env, &srv.URL, &srv.BearerToken,
		&errorStatus, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning server row: %w", err)
	}

	srv.Type = types.ServerType(serverType)
	srv.ErrorStatus = types.ErrorStatus(errorStatus)
	if err := json.Unmarshal([]byte(args), &srv.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &srv.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}
	srv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// Timestamps are stored as RFC3339 text, matching the strftime defaults in
// the schema.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
