package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, log *zap.SugaredLogger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Infow("database migrations applied")

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id SERIAL PRIMARY KEY,
            is_group BOOLEAN NOT NULL DEFAULT FALSE,
            name TEXT,
            description TEXT,
            admin_id INT NOT NULL,
            direct_user_low INT,
            direct_user_high INT,
            last_message_id INT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		// One direct conversation per unordered user pair.
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_direct_pair_idx
            ON conversations (direct_user_low, direct_user_high)
            WHERE is_group = FALSE;`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            position INT NOT NULL DEFAULT 0,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx
            ON conversation_participants (user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id INT NOT NULL,
            content TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
            ON messages (conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS message_attachments (
            id SERIAL PRIMARY KEY,
            message_id INT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            filename TEXT NOT NULL,
            url TEXT NOT NULL,
            size BIGINT NOT NULL DEFAULT 0,
            mimetype TEXT NOT NULL DEFAULT '',
            position INT NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS message_reads (
            message_id INT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(message_id, user_id)
        );`,
		// Deleting the newest message clears the pointer rather than
		// recomputing it; the next send repopulates it.
		`ALTER TABLE conversations DROP CONSTRAINT IF EXISTS conversations_last_message_fk;`,
		`ALTER TABLE conversations ADD CONSTRAINT conversations_last_message_fk
            FOREIGN KEY (last_message_id) REFERENCES messages(id) ON DELETE SET NULL;`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}
