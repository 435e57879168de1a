package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

// PostgresParams PostgreSQL connection parameters
type PostgresParams struct {
	// DSN connection string
	DSN string `validate:"required"`
	// MaxConns max pool size
	MaxConns int32
	// MinConns min pool size
	MinConns int32
	// MaxConnIdleTime idle time before a pooled connection is closed
	MaxConnIdleTime time.Duration
}

// postgresStore Store backed by PostgreSQL
type postgresStore struct {
	common.Component
	pool *pgxpool.Pool
	db   *sql.DB
}

// GetPostgresStore connect to PostgreSQL, apply the schema, and define a Store
func GetPostgresStore(
	ctxt context.Context, params PostgresParams, instance string,
) (Store, error) {
	logTags := log.Fields{
		"module": "storage", "component": "postgres-store", "instance": instance,
	}
	poolConfig, err := pgxpool.ParseConfig(params.DSN)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid PostgreSQL connection string")
		return nil, err
	}
	if params.MaxConns > 0 {
		poolConfig.MaxConns = params.MaxConns
	}
	if params.MinConns > 0 {
		poolConfig.MinConns = params.MinConns
	}
	if params.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = params.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection pool")
		return nil, err
	}
	if err := pool.Ping(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("PostgreSQL not reachable")
		pool.Close()
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	applied, err := migrate.Exec(db, "postgres", Migration(), migrate.Up)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to apply migrations")
		_ = db.Close()
		pool.Close()
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected to PostgreSQL, applied %d migrations", applied)

	return &postgresStore{
		Component: common.Component{LogTags: logTags},
		pool:      pool,
		db:        db,
	}, nil
}

// mapError convert driver errors into the gateway error taxonomy
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, common.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%s exists: %w", what, common.ErrConflict)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%s references a missing entity: %w", what, common.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// ================================================================
// Users

func (s *postgresStore) CreateUser(
	ctxt context.Context, user User, passwordHash string,
) (User, error) {
	row := s.pool.QueryRow(
		ctxt,
		`INSERT INTO users (id, display_name, password_hash) VALUES ($1, $2, $3)
		RETURNING created_at`,
		user.ID, user.DisplayName, passwordHash,
	)
	if err := row.Scan(&user.CreatedAt); err != nil {
		return User{}, mapError(err, fmt.Sprintf("user '%s'", user.ID))
	}
	return user, nil
}

func (s *postgresStore) GetUser(ctxt context.Context, userID string) (User, error) {
	var user User
	err := s.pool.QueryRow(
		ctxt, `SELECT id, display_name, created_at FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, mapError(err, fmt.Sprintf("user '%s'", userID))
	}
	return user, nil
}

func (s *postgresStore) GetCredential(ctxt context.Context, userID string) (Credential, error) {
	cred := Credential{UserID: userID}
	err := s.pool.QueryRow(
		ctxt, `SELECT password_hash FROM users WHERE id = $1`, userID,
	).Scan(&cred.PasswordHash)
	if err != nil {
		return Credential{}, mapError(err, fmt.Sprintf("credential of '%s'", userID))
	}
	return cred, nil
}

func (s *postgresStore) ListUsers(ctxt context.Context) ([]User, error) {
	rows, err := s.pool.Query(
		ctxt, `SELECT id, display_name, created_at FROM users ORDER BY id`,
	)
	if err != nil {
		return nil, mapError(err, "users")
	}
	defer rows.Close()
	result := []User{}
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.CreatedAt); err != nil {
			return nil, mapError(err, "users")
		}
		result = append(result, user)
	}
	return result, mapError(rows.Err(), "users")
}

// ================================================================
// Refresh tokens

func (s *postgresStore) SaveRefreshToken(ctxt context.Context, token RefreshToken) error {
	_, err := s.pool.Exec(
		ctxt,
		`INSERT INTO refresh_tokens (token_id, user_id, expires_at, revoked) VALUES ($1, $2, $3, $4)`,
		token.TokenID, token.UserID, token.ExpiresAt, token.Revoked,
	)
	if err != nil {
		return mapError(err, fmt.Sprintf("refresh token '%s'", token.TokenID))
	}
	// Expired entries are no longer useful to anyone
	if _, err := s.pool.Exec(
		ctxt, `DELETE FROM refresh_tokens WHERE expires_at < now()`,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Warn("Failed to prune expired refresh tokens")
	}
	return nil
}

func (s *postgresStore) GetRefreshToken(ctxt context.Context, tokenID string) (RefreshToken, error) {
	token := RefreshToken{TokenID: tokenID}
	err := s.pool.QueryRow(
		ctxt,
		`SELECT user_id, expires_at, revoked FROM refresh_tokens WHERE token_id = $1`,
		tokenID,
	).Scan(&token.UserID, &token.ExpiresAt, &token.Revoked)
	if err != nil {
		return RefreshToken{}, mapError(err, fmt.Sprintf("refresh token '%s'", tokenID))
	}
	return token, nil
}

func (s *postgresStore) RevokeRefreshToken(ctxt context.Context, tokenID string) (bool, error) {
	tag, err := s.pool.Exec(
		ctxt,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE token_id = $1 AND revoked = FALSE`,
		tokenID,
	)
	if err != nil {
		return false, mapError(err, fmt.Sprintf("refresh token '%s'", tokenID))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetRefreshToken(ctxt, tokenID); err != nil {
		return false, err
	}
	return false, nil
}

// ================================================================
// Channels

const channelColumns = `id, name, created_by, created_at`

func scanChannel(row pgx.Row) (Channel, error) {
	var channel Channel
	err := row.Scan(&channel.ID, &channel.Name, &channel.CreatedBy, &channel.CreatedAt)
	return channel, err
}

func (s *postgresStore) CreateChannel(
	ctxt context.Context, name, createdBy string,
) (Channel, error) {
	channel, err := scanChannel(s.pool.QueryRow(
		ctxt,
		`INSERT INTO channels (name, created_by) VALUES ($1, $2) RETURNING `+channelColumns,
		name, createdBy,
	))
	if err != nil {
		return Channel{}, mapError(err, fmt.Sprintf("channel '%s'", name))
	}
	log.WithFields(s.LogTags).Debugf("Created channel %d '%s'", channel.ID, name)
	return channel, nil
}

func (s *postgresStore) GetChannel(ctxt context.Context, channelID int64) (Channel, error) {
	channel, err := scanChannel(s.pool.QueryRow(
		ctxt, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID,
	))
	if err != nil {
		return Channel{}, mapError(err, fmt.Sprintf("channel %d", channelID))
	}
	return channel, nil
}

func (s *postgresStore) GetChannelByName(ctxt context.Context, name string) (Channel, error) {
	channel, err := scanChannel(s.pool.QueryRow(
		ctxt, `SELECT `+channelColumns+` FROM channels WHERE name = $1`, name,
	))
	if err != nil {
		return Channel{}, mapError(err, fmt.Sprintf("channel '%s'", name))
	}
	return channel, nil
}

func (s *postgresStore) ListChannels(ctxt context.Context) ([]Channel, error) {
	rows, err := s.pool.Query(ctxt, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "channels")
	}
	defer rows.Close()
	result := []Channel{}
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, mapError(err, "channels")
		}
		result = append(result, channel)
	}
	return result, mapError(rows.Err(), "channels")
}

func (s *postgresStore) EnsureMember(ctxt context.Context, channelID int64, userID string) error {
	_, err := s.pool.Exec(
		ctxt,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		channelID, userID,
	)
	return mapError(err, fmt.Sprintf("channel %d", channelID))
}

func (s *postgresStore) ListMembers(ctxt context.Context, channelID int64) ([]string, error) {
	if _, err := s.GetChannel(ctxt, channelID); err != nil {
		return nil, err
	}
	what := fmt.Sprintf("channel %d members", channelID)
	rows, err := s.pool.Query(
		ctxt,
		`SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY user_id`,
		channelID,
	)
	if err != nil {
		return nil, mapError(err, what)
	}
	defer rows.Close()
	result := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, mapError(err, what)
		}
		result = append(result, userID)
	}
	return result, mapError(rows.Err(), what)
}

func (s *postgresStore) SaveChannelMessage(
	ctxt context.Context, channelID int64, sender, content string,
) (ChannelMessage, error) {
	msg := ChannelMessage{ChannelID: channelID, Sender: sender, Content: content}
	err := s.pool.QueryRow(
		ctxt,
		`INSERT INTO messages (channel_id, sender, content) VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		channelID, sender, content,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return ChannelMessage{}, mapError(err, fmt.Sprintf("channel %d", channelID))
	}
	return msg, nil
}

func (s *postgresStore) ListMessages(
	ctxt context.Context, channelID int64, limit int,
) ([]ChannelMessage, error) {
	if _, err := s.GetChannel(ctxt, channelID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(
		ctxt,
		`SELECT id, channel_id, sender, content, created_at FROM messages
		WHERE channel_id = $1 ORDER BY id DESC LIMIT $2`,
		channelID, ClampMessageLimit(limit),
	)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("channel %d", channelID))
	}
	defer rows.Close()
	result := []ChannelMessage{}
	for rows.Next() {
		var msg ChannelMessage
		if err := rows.Scan(
			&msg.ID, &msg.ChannelID, &msg.Sender, &msg.Content, &msg.CreatedAt,
		); err != nil {
			return nil, mapError(err, fmt.Sprintf("channel %d", channelID))
		}
		result = append(result, msg)
	}
	return result, mapError(rows.Err(), fmt.Sprintf("channel %d", channelID))
}

func (s *postgresStore) Ready(ctxt context.Context) error {
	return s.pool.Ping(ctxt)
}

func (s *postgresStore) Close() {
	if err := s.db.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to close SQL handle")
	}
	s.pool.Close()
	log.WithFields(s.LogTags).Info("Closed PostgreSQL pool")
}
