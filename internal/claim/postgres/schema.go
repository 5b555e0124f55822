package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS claim_transitions (
	attempt_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	vesting_id BIGINT NOT NULL,
	account BYTEA NOT NULL,
	chain_id BIGINT NOT NULL,

	from_state SMALLINT NOT NULL,
	to_state SMALLINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	tx_hash BYTEA,

	at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (attempt_id, seq),

	CONSTRAINT attempt_id_nonempty CHECK (attempt_id <> ''),
	CONSTRAINT seq_positive CHECK (seq > 0),
	CONSTRAINT vesting_id_positive CHECK (vesting_id > 0),
	CONSTRAINT account_len CHECK (octet_length(account) = 20),
	CONSTRAINT state_range CHECK (from_state >= 0 AND from_state <= 6 AND to_state >= 0 AND to_state <= 6),
	CONSTRAINT tx_hash_len CHECK (tx_hash IS NULL OR octet_length(tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS claim_transitions_vesting_idx ON claim_transitions (vesting_id, at, attempt_id, seq);
`
