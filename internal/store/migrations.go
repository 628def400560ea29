package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Versions are
// sequential starting from 1, and the SQL must run unchanged on both
// SQLite and PostgreSQL.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	identity        TEXT NOT NULL,
	owner           TEXT NOT NULL,
	remote_id       TEXT NOT NULL DEFAULT '',
	sender          TEXT NOT NULL,
	recipient       TEXT NOT NULL,
	subject         TEXT NOT NULL,
	plain_body      TEXT NOT NULL DEFAULT '',
	html_body       TEXT NOT NULL DEFAULT '',
	folder          TEXT NOT NULL DEFAULT 'inbox',
	is_read         INTEGER NOT NULL DEFAULT 0,
	is_starred      INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	received_at     TIMESTAMP NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_owner_identity
	ON messages (owner, identity);

CREATE INDEX IF NOT EXISTS idx_messages_owner_folder_received
	ON messages (owner, folder, received_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_owner_starred
	ON messages (owner, is_starred, received_at);
`,
	},
}
