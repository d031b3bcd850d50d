package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create balances and reservations",
		SQL: `
			CREATE TABLE balances (
				id          TEXT PRIMARY KEY,
				owner_type  TEXT NOT NULL,
				owner_id    TEXT NOT NULL,
				kind        TEXT NOT NULL,
				available   INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
				reserved    INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
				used        INTEGER NOT NULL DEFAULT 0,
				expired     INTEGER NOT NULL DEFAULT 0,
				created_at  TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE UNIQUE INDEX idx_balances_owner ON balances (owner_type, owner_id, kind);

			CREATE TABLE reservations (
				id           TEXT PRIMARY KEY,
				balance_id   TEXT NOT NULL REFERENCES balances(id),
				estimate     INTEGER NOT NULL,
				actual       INTEGER,
				status       TEXT NOT NULL DEFAULT 'held',
				overrun      INTEGER NOT NULL DEFAULT 0,
				created_at   TEXT NOT NULL DEFAULT (datetime('now')),
				finalized_at TEXT
			);

			CREATE INDEX idx_reservations_balance ON reservations (balance_id, status);
		`,
	},
	{
		Version: 2,
		Name:    "create responses, conversations and turns",
		SQL: `
			CREATE TABLE responses (
				id              TEXT PRIMARY KEY,
				request_id      TEXT NOT NULL,
				conversation_id TEXT NOT NULL DEFAULT '',
				content         TEXT NOT NULL,
				tokens_used     INTEGER NOT NULL DEFAULT 0,
				provider        TEXT NOT NULL,
				model           TEXT NOT NULL,
				latency_ms      INTEGER NOT NULL DEFAULT 0,
				status          TEXT NOT NULL,
				error_code      TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_responses_request ON responses (request_id);
			CREATE INDEX idx_responses_conversation ON responses (conversation_id);

			CREATE TABLE conversations (
				id           TEXT PRIMARY KEY,
				requester_id TEXT NOT NULL,
				model_id     TEXT NOT NULL,
				category_id  TEXT NOT NULL DEFAULT '',
				title        TEXT NOT NULL,
				created_at   TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_conversations_requester ON conversations (requester_id);

			CREATE TABLE turns (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				role            TEXT NOT NULL,
				content         TEXT NOT NULL,
				timestamp       TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_turns_conversation ON turns (conversation_id, id);
		`,
	},
}
