package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/models"
)

// latestRow selects the newest row for a handle; short handles may repeat
// across server runs.
const latestRow = `(SELECT MAX(id) FROM processes WHERE handle = ?)`

// Recorder persists process lifecycle transitions. It is a console.Observer;
// output events are not stored.
type Recorder struct {
	db  *sql.DB
	log *logrus.Entry
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, log: logrus.WithField("component", "store")}
}

// OnProcessEvent implements console.Observer.
func (r *Recorder) OnProcessEvent(ev console.Event) {
	var err error
	switch ev.Kind {
	case console.EventCreated:
		err = r.insert(ev.Handle, ev.Command, ev.Time)
	case console.EventStarted:
		err = r.markStarted(ev.Handle, ev.Time)
	case console.EventExited:
		err = r.markExited(ev.Handle, ev.ExitCode, ev.Time)
	default:
		return
	}
	if err != nil {
		r.log.WithError(err).WithField("handle", ev.Handle).Warnf("store: record %s failed", ev.Kind)
	}
}

func (r *Recorder) insert(handle, command string, at time.Time) error {
	_, err := r.db.Exec(`INSERT INTO processes (handle, command, status, created_at) VALUES (?, ?, ?, ?)`,
		handle, command, models.StatusCreated, at)
	return err
}

// markStarted only moves a created row forward.
func (r *Recorder) markStarted(handle string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE processes SET status = ?, started_at = ? WHERE id = `+latestRow+` AND status = ?`,
		models.StatusRunning, at, handle, models.StatusCreated)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`UPDATE processes SET started_at = ? WHERE id = `+latestRow+` AND started_at IS NULL`,
		at, handle)
	return err
}

func (r *Recorder) markExited(handle string, code int, at time.Time) error {
	_, err := r.db.Exec(`UPDATE processes SET status = ?, exit_code = ?, exited_at = ? WHERE id = `+latestRow,
		models.StatusExited, code, at, handle)
	return err
}

// List returns up to limit records, newest first. limit <= 0 means no limit.
func (r *Recorder) List(limit int) ([]models.ProcessRecord, error) {
	query := `SELECT id, handle, command, status, exit_code, created_at, started_at, exited_at FROM processes ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()

	records := []models.ProcessRecord{}
	for rows.Next() {
		var rec models.ProcessRecord
		var exitCode sql.NullInt64
		var startedAt, exitedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Handle, &rec.Command, &rec.Status, &exitCode, &rec.CreatedAt, &startedAt, &exitedAt); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		if startedAt.Valid {
			rec.StartedAt = &startedAt.Time
		}
		if exitedAt.Valid {
			rec.ExitedAt = &exitedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Reconcile marks rows left created or running by a previous server as lost.
// It must run before any process is created in this run.
func (r *Recorder) Reconcile() (int64, error) {
	result, err := r.db.Exec(`UPDATE processes SET status = ? WHERE status IN (?, ?)`,
		models.StatusLost, models.StatusCreated, models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		r.log.Infof("store: marked %d stale processes as lost", n)
	}
	return n, nil
}

var _ console.Observer = (*Recorder)(nil)
