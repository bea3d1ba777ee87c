package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database at path and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent runners.
	db.SetMaxOpenConns(1)

	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  params TEXT,
  frequency TEXT NOT NULL,
  cron_expr TEXT,
  next_run DATETIME NOT NULL,
  last_run DATETIME,
  run_count INTEGER NOT NULL DEFAULT 0,
  max_runtime INTEGER NOT NULL DEFAULT 0,
  retry_attempts INTEGER NOT NULL DEFAULT 3,
  retry_delay INTEGER NOT NULL DEFAULT 0,
  active INTEGER NOT NULL DEFAULT 1,
  tenant_id TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(active, next_run);

CREATE TABLE IF NOT EXISTS task_executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  completed_at DATETIME,
  execution_time INTEGER,
  memory_usage INTEGER,
  output TEXT,
  error_message TEXT,
  progress INTEGER NOT NULL DEFAULT 0,
  trigger_source TEXT NOT NULL,
  FOREIGN KEY(task_id) REFERENCES scheduled_tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_status ON task_executions(task_id, status);

CREATE TABLE IF NOT EXISTS task_locks (
  task_id TEXT PRIMARY KEY,
  holder TEXT NOT NULL,
  acquired_at DATETIME NOT NULL,
  expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_dependencies (
  task_id TEXT NOT NULL,
  depends_on TEXT NOT NULL,
  dep_type TEXT NOT NULL,
  PRIMARY KEY(task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  payload TEXT,
  mode TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 2,
  status TEXT NOT NULL DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_attempt DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  delivered_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_events_queue ON events(status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS config_entries (
  config_key TEXT NOT NULL,
  config_value TEXT NOT NULL,
  config_type TEXT NOT NULL,
  environment TEXT NOT NULL,
  tenant_id TEXT NOT NULL DEFAULT '',
  encrypted INTEGER NOT NULL DEFAULT 0,
  description TEXT,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  UNIQUE(config_key, environment, tenant_id)
);

CREATE TABLE IF NOT EXISTS config_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  config_key TEXT NOT NULL,
  environment TEXT NOT NULL,
  tenant_id TEXT NOT NULL DEFAULT '',
  old_value TEXT,
  new_value TEXT NOT NULL,
  changed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_history_key ON config_history(config_key, changed_at);

CREATE TABLE IF NOT EXISTS webhook_receipts (
  id TEXT PRIMARY KEY,
  marketplace TEXT NOT NULL,
  headers TEXT,
  payload BLOB,
  valid INTEGER NOT NULL,
  reason TEXT,
  processing_result TEXT,
  received_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_marketplace ON webhook_receipts(marketplace, received_at);

CREATE TABLE IF NOT EXISTS metrics (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  value REAL NOT NULL,
  unit TEXT,
  tags TEXT,
  tenant_id TEXT NOT NULL DEFAULT '',
  recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(name, recorded_at);

CREATE TABLE IF NOT EXISTS alert_rules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  metric TEXT NOT NULL,
  condition TEXT NOT NULL,
  threshold REAL NOT NULL,
  severity TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_rules_metric ON alert_rules(metric, enabled);

CREATE TABLE IF NOT EXISTS alerts (
  id TEXT PRIMARY KEY,
  rule_id TEXT NOT NULL,
  severity TEXT NOT NULL,
  message TEXT NOT NULL,
  value REAL,
  created_at DATETIME NOT NULL,
  resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id, created_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
