package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Notifier publishes Postgres NOTIFY events the downstream
// RPC/query-surface collaborator listens on — watermark advances and MMR
// job terminal transitions. It fires pg_notify over a dedicated
// database/sql + lib/pq connection, keeping the announcement traffic off
// the pgxpool used for application queries.
type Notifier struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewNotifier opens a dedicated database/sql connection for NOTIFY.
func NewNotifier(dsn string, logger *zap.Logger) (*Notifier, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewNotifier: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{db: db, logger: logger.Sugar()}, nil
}

// Close releases the dedicated connection.
func (n *Notifier) Close() error { return n.db.Close() }

// NotifyWatermarkAdvanced publishes the new watermark on the
// "watermark_advanced" channel.
func (n *Notifier) NotifyWatermarkAdvanced(value string) {
	if _, err := n.db.Exec(`SELECT pg_notify('watermark_advanced', $1)`, value); err != nil {
		n.logger.Warnw("failed to publish watermark notification", "error", err)
	}
}

// NotifyMmrJobTerminal publishes a battle/season pair's terminal state on
// the "mmr_job_terminal" channel.
func (n *Notifier) NotifyMmrJobTerminal(battleID uint64, seasonID int64, status string) {
	payload := fmt.Sprintf("%d:%d:%s", battleID, seasonID, status)
	if _, err := n.db.Exec(`SELECT pg_notify('mmr_job_terminal', $1)`, payload); err != nil {
		n.logger.Warnw("failed to publish mmr job notification", "error", err)
	}
}
