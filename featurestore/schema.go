package featurestore

import (
	"context"
	"database/sql"
)

const workspaceSchema = `
CREATE TABLE IF NOT EXISTS fs_feature_classes (
    name    TEXT PRIMARY KEY,
    spatial INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS fs_fields (
    class    TEXT NOT NULL REFERENCES fs_feature_classes(name),
    name     TEXT NOT NULL,
    kind     TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY(class, name)
);
CREATE TABLE IF NOT EXISTS fs_versions (
    name       TEXT PRIMARY KEY,
    parent     TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS fs_features (
    class       TEXT NOT NULL,
    version     TEXT NOT NULL,
    fid         INTEGER NOT NULL,
    attributes  TEXT NOT NULL,
    shape       BLOB,
    deleted     INTEGER NOT NULL DEFAULT 0,
    gen         INTEGER NOT NULL DEFAULT 0,
    created_gen INTEGER NOT NULL DEFAULT 0,
    base_gen    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY(class, version, fid)
);
CREATE INDEX IF NOT EXISTS fs_features_gen ON fs_features(version, gen);
CREATE TABLE IF NOT EXISTS fs_sequences (
    class    TEXT PRIMARY KEY,
    next_fid INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fs_state (
    key   TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fs_replicas (
    name       TEXT PRIMARY KEY,
    synced_gen INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO fs_state(key, value) VALUES ('gen', 0);
INSERT OR IGNORE INTO fs_state(key, value) VALUES ('sync_target', 0);
`

// EnsureSchema creates the workspace tables in the provided database if they
// do not already exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, workspaceSchema)
	return err
}
