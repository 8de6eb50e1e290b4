// Package dbtest opens in-memory SQLite databases carrying the poolnet schema
// for repository and engine tests.
package dbtest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/db"
)

// Money columns are TEXT so decimals round-trip without float conversion.
var schema = []string{`
CREATE TABLE IF NOT EXISTS nodes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  referral_code TEXT NOT NULL UNIQUE,
  owner_id INTEGER NOT NULL,
  sponsor_id INTEGER,
  self_parent_id INTEGER,
  auto_parent_id INTEGER,
  self_tier INTEGER NOT NULL DEFAULT 1,
  auto_tier INTEGER NOT NULL DEFAULT 1,
  is_rebirth INTEGER NOT NULL DEFAULT 0,
  origin_node_id INTEGER,
  wallet_balance TEXT NOT NULL DEFAULT '0',
  status TEXT NOT NULL DEFAULT 'active',
  self_placed_at DATETIME,
  auto_placed_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS level_progress (
  node_id INTEGER NOT NULL,
  tier INTEGER NOT NULL,
  tree TEXT NOT NULL,
  total_revenue TEXT NOT NULL DEFAULT '0',
  buckets TEXT NOT NULL DEFAULT '[]',
  is_completed INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME,
  PRIMARY KEY (node_id, tier, tree)
);`, `
CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  owner_id INTEGER NOT NULL,
  node_id INTEGER,
  source_node_id INTEGER,
  tree TEXT,
  amount TEXT NOT NULL,
  balance_after TEXT NOT NULL,
  kind TEXT NOT NULL,
  category TEXT NOT NULL,
  description TEXT NOT NULL,
  created_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS placement_jobs (
  id TEXT PRIMARY KEY,
  node_id INTEGER NOT NULL,
  tree TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  income_amount TEXT NOT NULL DEFAULT '0',
  next_attempt_at DATETIME NOT NULL,
  started_at DATETIME,
  completed_at DATETIME,
  last_error TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (node_id, tree)
);`, `
CREATE TABLE IF NOT EXISTS integrity_violations (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  tree TEXT NOT NULL,
  node_id INTEGER NOT NULL,
  related_node_ids TEXT,
  detail TEXT NOT NULL,
  occurrences INTEGER NOT NULL DEFAULT 1,
  first_detected_at DATETIME NOT NULL,
  last_detected_at DATETIME NOT NULL,
  resolved_at DATETIME,
  UNIQUE (kind, tree, node_id)
);`, `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`, `
CREATE TABLE IF NOT EXISTS outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME,
  created_at DATETIME
);`,
}

// Open returns a fresh in-memory database with the schema applied. A single
// connection is used so concurrent transactions in a test serialize the way
// row locks would serialize them in Postgres.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

// Client wraps Open in a db.Client.
func Client(t *testing.T) (*db.Client, *gorm.DB) {
	t.Helper()
	conn := Open(t)
	return db.NewWithConn(conn), conn
}
