package store

// Schema mirrors §6's logical schema: three tables, submissions and
// turnstile_validations carrying the same request-fingerprint columns,
// blacklist keyed by ephemeral_id and/or ip_address.
//
// SQLite is used as the concrete SQL engine (teacher's own dependency,
// github.com/mattn/go-sqlite3); the spec only requires parameterized SQL,
// atomic inserts, and row-level uniqueness on token_hash, all of which
// SQLite provides.
const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL,
	email TEXT NOT NULL,
	phone TEXT,
	address TEXT,
	date_of_birth TEXT,
	remote_ip TEXT NOT NULL,
	country TEXT,
	region TEXT,
	city TEXT,
	asn TEXT,
	colo TEXT,
	http_protocol TEXT,
	tls_version TEXT,
	tls_cipher TEXT,
	bot_score INTEGER,
	trust_score INTEGER,
	verified_bot INTEGER NOT NULL DEFAULT 0,
	js_detected INTEGER NOT NULL DEFAULT 0,
	detection_ids TEXT,
	ja3_hash TEXT,
	ja4 TEXT,
	ja4_signals TEXT,
	header_hash TEXT,
	ephemeral_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at);
CREATE INDEX IF NOT EXISTS idx_submissions_ephemeral_id ON submissions(ephemeral_id);
CREATE INDEX IF NOT EXISTS idx_submissions_remote_ip ON submissions(remote_ip);
CREATE INDEX IF NOT EXISTS idx_submissions_email ON submissions(email);

CREATE TABLE IF NOT EXISTS turnstile_validations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token_hash TEXT NOT NULL UNIQUE,
	success INTEGER NOT NULL,
	allowed INTEGER NOT NULL,
	block_reason TEXT,
	challenge_ts TEXT,
	hostname TEXT,
	action TEXT,
	ephemeral_id TEXT,
	risk_score REAL NOT NULL,
	error_codes TEXT,
	submission_id INTEGER,
	created_at TEXT NOT NULL,
	remote_ip TEXT NOT NULL,
	country TEXT,
	region TEXT,
	city TEXT,
	asn TEXT,
	colo TEXT,
	http_protocol TEXT,
	tls_version TEXT,
	tls_cipher TEXT,
	bot_score INTEGER,
	trust_score INTEGER,
	verified_bot INTEGER NOT NULL DEFAULT 0,
	js_detected INTEGER NOT NULL DEFAULT 0,
	detection_ids TEXT,
	ja3_hash TEXT,
	ja4 TEXT,
	ja4_signals TEXT,
	header_hash TEXT,
	FOREIGN KEY (submission_id) REFERENCES submissions(id)
);
CREATE INDEX IF NOT EXISTS idx_validations_created_at ON turnstile_validations(created_at);
CREATE INDEX IF NOT EXISTS idx_validations_ephemeral_id ON turnstile_validations(ephemeral_id);
CREATE INDEX IF NOT EXISTS idx_validations_remote_ip ON turnstile_validations(remote_ip);

CREATE TABLE IF NOT EXISTS blacklist (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ephemeral_id TEXT,
	ip_address TEXT,
	block_reason TEXT NOT NULL,
	confidence TEXT NOT NULL,
	blocked_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	offense_count INTEGER NOT NULL,
	detection_metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_blacklist_ephemeral_id ON blacklist(ephemeral_id);
CREATE INDEX IF NOT EXISTS idx_blacklist_ip_address ON blacklist(ip_address);
CREATE INDEX IF NOT EXISTS idx_blacklist_expires_at ON blacklist(expires_at);
`
