// Package runstore persists run history in SQLite: one row per
// pipeline run, one per component outcome, plus evaluation scores and
// exported bundles. The store implements pipeline.RunRecorder, so an
// executor wired to it records as it goes. Recording failures are
// persistence errors the caller surfaces without failing the run.
package runstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/veldt-data/pointpipe/internal/diag"
	"github.com/veldt-data/pointpipe/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunStore wraps the run history database.
type RunStore struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path and applies pending
// migrations.
func Open(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pipeline.Persistf("runstore", path, "open: %v", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA foreign_keys=ON;
	`); err != nil {
		db.Close()
		return nil, pipeline.Persistf("runstore", path, "pragmas: %v", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, pipeline.Persistf("runstore", path, "%v", err)
	}
	return &RunStore{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *RunStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for ad hoc queries.
func (s *RunStore) DB() *sql.DB { return s.db }

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Closing m would close the shared DB connection, so it is left to
	// be collected.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on the trace log.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	diag.Tracef("migrate: "+strings.TrimRight(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool { return false }

const maxBusyRetries = 5

// isSQLiteBusy reports whether err is a lock contention error worth
// retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn up to maxBusyRetries times with exponential
// backoff while it keeps returning busy errors. Other errors return
// immediately.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * 10 * time.Millisecond)
		}
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
	}
	return err
}

// RecordRunStart implements pipeline.RunRecorder.
func (s *RunStore) RecordRunStart(runID string, spec *pipeline.Spec, startedAt time.Time) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return pipeline.Persistf("runstore", s.path, "marshal spec: %v", err)
	}
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO pipeline_runs (run_id, spec_json, status, started_at)
			VALUES (?, ?, ?, ?)
		`, runID, string(specJSON), string(pipeline.StatusRunning), startedAt.UnixNano())
		return err
	})
	if err != nil {
		return pipeline.Persistf("runstore", s.path, "record run start: %v", err)
	}
	return nil
}

// RecordComponent implements pipeline.RunRecorder. Re-recording a
// position overwrites the earlier row.
func (s *RunStore) RecordComponent(runID string, oc pipeline.ComponentOutcome) error {
	var summaryJSON any
	if len(oc.Summary) > 0 {
		data, err := json.Marshal(oc.Summary)
		if err != nil {
			return pipeline.Persistf("runstore", s.path, "marshal summary: %v", err)
		}
		summaryJSON = string(data)
	}
	var ocErr any
	if oc.Error != "" {
		ocErr = oc.Error
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO component_runs
				(run_id, position, component, type, kind, status, duration_us, error, summary_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, oc.Position, oc.Name, oc.Type, string(oc.Kind), oc.Status,
			oc.Duration.Microseconds(), ocErr, summaryJSON)
		return err
	})
	if err != nil {
		return pipeline.Persistf("runstore", s.path, "record component %s: %v", oc.Name, err)
	}
	return nil
}

// RecordRunEnd implements pipeline.RunRecorder.
func (s *RunStore) RecordRunEnd(runID string, status pipeline.Status, finishedAt time.Time, runErr error) error {
	var errText any
	if runErr != nil {
		errText = runErr.Error()
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			UPDATE pipeline_runs SET status = ?, finished_at = ?, error = ?
			WHERE run_id = ?
		`, string(status), finishedAt.UnixNano(), errText, runID)
		return err
	})
	if err != nil {
		return pipeline.Persistf("runstore", s.path, "record run end: %v", err)
	}
	return nil
}

// Evaluation is one persisted evaluation score set.
type Evaluation struct {
	EvaluationID string          `json:"evaluation_id"`
	RunID        string          `json:"run_id"`
	Component    string          `json:"component"`
	Accuracy     float64         `json:"accuracy"`
	MacroF1      float64         `json:"macro_f1"`
	MeanIoU      float64         `json:"mean_iou"`
	Kappa        float64         `json:"kappa"`
	Folds        int             `json:"folds"`
	MetricsJSON  json.RawMessage `json:"metrics_json,omitempty"`
	CreatedAt    int64           `json:"created_at"`
}

// InsertEvaluation persists an evaluation. A missing id or timestamp
// is filled in.
func (s *RunStore) InsertEvaluation(ev *Evaluation) error {
	if ev.EvaluationID == "" {
		ev.EvaluationID = uuid.New().String()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixNano()
	}
	var metrics any
	if len(ev.MetricsJSON) > 0 {
		metrics = string(ev.MetricsJSON)
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO evaluations
				(evaluation_id, run_id, component, accuracy, macro_f1, mean_iou, kappa, folds, metrics_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.EvaluationID, ev.RunID, ev.Component, ev.Accuracy, ev.MacroF1,
			ev.MeanIoU, ev.Kappa, ev.Folds, metrics, ev.CreatedAt)
		return err
	})
	if err != nil {
		return pipeline.Persistf("runstore", s.path, "insert evaluation: %v", err)
	}
	return nil
}

// Bundle is one persisted bundle export record.
type Bundle struct {
	BundleID          string          `json:"bundle_id"`
	RunID             string          `json:"run_id"`
	Path              string          `json:"path"`
	AttributeContract json.RawMessage `json:"attribute_contract,omitempty"`
	CreatedAt         int64           `json:"created_at"`
}

// InsertBundle persists a bundle export record.
func (s *RunStore) InsertBundle(b *Bundle) error {
	if b.BundleID == "" {
		b.BundleID = uuid.New().String()
	}
	if b.CreatedAt == 0 {
		b.CreatedAt = time.Now().UnixNano()
	}
	var contract any
	if len(b.AttributeContract) > 0 {
		contract = string(b.AttributeContract)
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO bundles (bundle_id, run_id, path, attribute_contract_json, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, b.BundleID, b.RunID, b.Path, contract, b.CreatedAt)
		return err
	})
	if err != nil {
		return pipeline.Persistf("runstore", s.path, "insert bundle: %v", err)
	}
	return nil
}

// Run is one persisted pipeline run.
type Run struct {
	RunID      string `json:"run_id"`
	SpecJSON   string `json:"spec_json"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
}

// GetRun returns one run by id.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, spec_json, status, started_at, finished_at, error
		FROM pipeline_runs WHERE run_id = ?
	`, runID)
	var r Run
	var finished sql.NullInt64
	var errText sql.NullString
	if err := row.Scan(&r.RunID, &r.SpecJSON, &r.Status, &r.StartedAt, &finished, &errText); err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "get run %s: %v", runID, err)
	}
	r.FinishedAt = finished.Int64
	r.Error = errText.String
	return &r, nil
}

// ListRuns returns up to limit runs, most recent first.
func (s *RunStore) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, spec_json, status, started_at, finished_at, error
		FROM pipeline_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "list runs: %v", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&r.RunID, &r.SpecJSON, &r.Status, &r.StartedAt, &finished, &errText); err != nil {
			return nil, pipeline.Persistf("runstore", s.path, "scan run: %v", err)
		}
		r.FinishedAt = finished.Int64
		r.Error = errText.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "list runs: %v", err)
	}
	return out, nil
}

// ComponentRun is one persisted component outcome.
type ComponentRun struct {
	RunID      string `json:"run_id"`
	Position   int    `json:"position"`
	Component  string `json:"component"`
	Type       string `json:"type"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	DurationUS int64  `json:"duration_us"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary_json,omitempty"`
}

// ComponentsForRun returns a run's component outcomes in pipeline
// order.
func (s *RunStore) ComponentsForRun(runID string) ([]ComponentRun, error) {
	rows, err := s.db.Query(`
		SELECT run_id, position, component, type, kind, status, duration_us, error, summary_json
		FROM component_runs WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "components for %s: %v", runID, err)
	}
	defer rows.Close()

	var out []ComponentRun
	for rows.Next() {
		var cr ComponentRun
		var errText, summary sql.NullString
		if err := rows.Scan(&cr.RunID, &cr.Position, &cr.Component, &cr.Type, &cr.Kind,
			&cr.Status, &cr.DurationUS, &errText, &summary); err != nil {
			return nil, pipeline.Persistf("runstore", s.path, "scan component: %v", err)
		}
		cr.Error = errText.String
		cr.Summary = summary.String
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "components for %s: %v", runID, err)
	}
	return out, nil
}

// EvaluationsForRun returns a run's evaluations, newest first.
func (s *RunStore) EvaluationsForRun(runID string) ([]Evaluation, error) {
	rows, err := s.db.Query(`
		SELECT evaluation_id, run_id, component, accuracy, macro_f1, mean_iou, kappa, folds, metrics_json, created_at
		FROM evaluations WHERE run_id = ? ORDER BY created_at DESC
	`, runID)
	if err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "evaluations for %s: %v", runID, err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var ev Evaluation
		var metrics sql.NullString
		if err := rows.Scan(&ev.EvaluationID, &ev.RunID, &ev.Component, &ev.Accuracy, &ev.MacroF1,
			&ev.MeanIoU, &ev.Kappa, &ev.Folds, &metrics, &ev.CreatedAt); err != nil {
			return nil, pipeline.Persistf("runstore", s.path, "scan evaluation: %v", err)
		}
		if metrics.Valid {
			ev.MetricsJSON = json.RawMessage(metrics.String)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "evaluations for %s: %v", runID, err)
	}
	return out, nil
}

// BundlesForRun returns a run's bundle exports, newest first.
func (s *RunStore) BundlesForRun(runID string) ([]Bundle, error) {
	rows, err := s.db.Query(`
		SELECT bundle_id, run_id, path, attribute_contract_json, created_at
		FROM bundles WHERE run_id = ? ORDER BY created_at DESC
	`, runID)
	if err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "bundles for %s: %v", runID, err)
	}
	defer rows.Close()

	var out []Bundle
	for rows.Next() {
		var b Bundle
		var contract sql.NullString
		if err := rows.Scan(&b.BundleID, &b.RunID, &b.Path, &contract, &b.CreatedAt); err != nil {
			return nil, pipeline.Persistf("runstore", s.path, "scan bundle: %v", err)
		}
		if contract.Valid {
			b.AttributeContract = json.RawMessage(contract.String)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Persistf("runstore", s.path, "bundles for %s: %v", runID, err)
	}
	return out, nil
}
