package storage

import migrate "github.com/rubenv/sql-migrate"

// Migration schema of the PostgreSQL store
func Migration() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "stormgate_users_1",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS users (
						id            TEXT PRIMARY KEY,
						display_name  TEXT NOT NULL,
						password_hash TEXT NOT NULL,
						created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE IF NOT EXISTS refresh_tokens (
						token_id   TEXT PRIMARY KEY,
						user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
						expires_at TIMESTAMPTZ NOT NULL,
						revoked    BOOLEAN NOT NULL DEFAULT FALSE
					)`,
					`CREATE INDEX IF NOT EXISTS refresh_tokens_expires_idx ON refresh_tokens (expires_at)`,
				},
				Down: []string{
					"DROP TABLE IF EXISTS refresh_tokens",
					"DROP TABLE IF EXISTS users",
				},
			},
			{
				Id: "stormgate_channels_1",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS channels (
						id         BIGSERIAL PRIMARY KEY,
						name       TEXT NOT NULL UNIQUE,
						created_by TEXT NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE IF NOT EXISTS channel_members (
						channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
						user_id    TEXT NOT NULL,
						joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
						PRIMARY KEY (channel_id, user_id)
					)`,
					`CREATE TABLE IF NOT EXISTS messages (
						id         BIGSERIAL PRIMARY KEY,
						channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
						sender     TEXT NOT NULL,
						content    TEXT NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX IF NOT EXISTS messages_channel_idx ON messages (channel_id, id DESC)`,
				},
				Down: []string{
					"DROP TABLE IF EXISTS messages",
					"DROP TABLE IF EXISTS channel_members",
					"DROP TABLE IF EXISTS channels",
				},
			},
		},
	}
}
