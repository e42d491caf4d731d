package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"grrshell/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const DefaultDBPath = ".grrshell/grrshell.db"

type SQLiteStore struct {
	DBPath string
	db     *sql.DB
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = DefaultDBPath
	}
	return &SQLiteStore{DBPath: dbPath}
}

func (s *SQLiteStore) Init() error {
	if s.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", s.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS flows (
  client_id TEXT NOT NULL,
  flow_id TEXT NOT NULL,
  name TEXT NOT NULL,
  kind TEXT NOT NULL,
  state TEXT NOT NULL,
  args_json TEXT NOT NULL,
  results_json TEXT NOT NULL DEFAULT '[]',
  creator TEXT NOT NULL DEFAULT '',
  local_target TEXT NOT NULL DEFAULT '',
  error_text TEXT NOT NULL DEFAULT '',
  session_id TEXT NOT NULL DEFAULT '',
  started_at TEXT NOT NULL DEFAULT '',
  last_active_at TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  PRIMARY KEY (client_id, flow_id)
);
CREATE TABLE IF NOT EXISTS flow_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  client_id TEXT NOT NULL,
  flow_id TEXT NOT NULL,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flows_client_started ON flows(client_id, started_at);
CREATE INDEX IF NOT EXISTS idx_flow_events_flow ON flow_events(client_id, flow_id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("apply schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) UpsertFlow(record model.FlowRecord) error {
	argsJSON, err := json.Marshal(record.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	results := record.Results
	if results == nil {
		results = []model.FlowResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = s.db.Exec(`INSERT INTO flows (client_id, flow_id, name, kind, state, args_json, results_json, creator, local_target, error_text, session_id, started_at, last_active_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(client_id, flow_id) DO UPDATE SET
  name=excluded.name,
  kind=excluded.kind,
  state=excluded.state,
  args_json=excluded.args_json,
  results_json=excluded.results_json,
  creator=excluded.creator,
  local_target=excluded.local_target,
  error_text=excluded.error_text,
  session_id=excluded.session_id,
  started_at=excluded.started_at,
  last_active_at=excluded.last_active_at,
  updated_at=excluded.updated_at`,
		record.ClientID, record.ID, record.Name, string(record.Kind), string(record.State),
		string(argsJSON), string(resultsJSON), record.Creator, record.LocalTarget, record.ErrorDetail,
		record.SessionID, formatTime(record.StartedAt), formatTime(record.LastActiveAt), formatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("upsert flow %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) AddEvent(clientID string, flowID string, from model.FlowState, to model.FlowState, message string) error {
	_, err := s.db.Exec(`INSERT INTO flow_events (client_id, flow_id, from_state, to_state, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		clientID, flowID, string(from), string(to), message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("add flow event: %w", err)
	}
	return nil
}

// RecordTransition persists the record and, when its state changed, a transition event.
func (s *SQLiteStore) RecordTransition(record model.FlowRecord, from model.FlowState, message string) error {
	if err := s.UpsertFlow(record); err != nil {
		return err
	}
	if from == record.State {
		return nil
	}
	return s.AddEvent(record.ClientID, record.ID, from, record.State, message)
}

func (s *SQLiteStore) GetFlow(clientID string, flowID string) (model.FlowRecord, error) {
	row := s.db.QueryRow(`SELECT client_id, flow_id, name, kind, state, args_json, results_json, creator, local_target, error_text, session_id, started_at, last_active_at, updated_at
FROM flows WHERE client_id = ? AND flow_id = ?`, clientID, flowID)
	record, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FlowRecord{}, fmt.Errorf("flow %s: %w", flowID, model.ErrNotFound)
	}
	return record, err
}

// ListFlows returns the persisted flows of a client, newest first.
func (s *SQLiteStore) ListFlows(clientID string, limit int) ([]model.FlowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT client_id, flow_id, name, kind, state, args_json, results_json, creator, local_target, error_text, session_id, started_at, last_active_at, updated_at
FROM flows WHERE client_id = ? ORDER BY started_at DESC, flow_id DESC LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()
	records := []model.FlowRecord{}
	for rows.Next() {
		record, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ListEvents(clientID string, flowID string) ([]model.FlowEvent, error) {
	rows, err := s.db.Query(`SELECT flow_id, from_state, to_state, message, created_at FROM flow_events
WHERE client_id = ? AND flow_id = ? ORDER BY id`, clientID, flowID)
	if err != nil {
		return nil, fmt.Errorf("list flow events: %w", err)
	}
	defer rows.Close()
	events := []model.FlowEvent{}
	for rows.Next() {
		var event model.FlowEvent
		var from, to, createdAt string
		if err := rows.Scan(&event.FlowID, &from, &to, &event.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan flow event: %w", err)
		}
		event.FromState = model.FlowState(from)
		event.ToState = model.FlowState(to)
		event.CreatedAt = parseTime(createdAt)
		events = append(events, event)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(row scanner) (model.FlowRecord, error) {
	var record model.FlowRecord
	var kind, state, argsJSON, resultsJSON, startedAt, lastActiveAt, updatedAt string
	err := row.Scan(&record.ClientID, &record.ID, &record.Name, &kind, &state, &argsJSON, &resultsJSON,
		&record.Creator, &record.LocalTarget, &record.ErrorDetail, &record.SessionID, &startedAt, &lastActiveAt, &updatedAt)
	if err != nil {
		return model.FlowRecord{}, err
	}
	record.Kind = model.FlowKind(kind)
	record.State = model.FlowState(state)
	if err := json.Unmarshal([]byte(argsJSON), &record.Args); err != nil {
		return model.FlowRecord{}, fmt.Errorf("unmarshal args of %s: %w", record.ID, err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &record.Results); err != nil {
		return model.FlowRecord{}, fmt.Errorf("unmarshal results of %s: %w", record.ID, err)
	}
	if len(record.Results) == 0 {
		record.Results = nil
	}
	record.StartedAt = parseTime(startedAt)
	record.LastActiveAt = parseTime(lastActiveAt)
	record.UpdatedAt = parseTime(updatedAt)
	return record, nil
}

func formatTime(v time.Time) string {
	if v.IsZero() {
		return ""
	}
	return v.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if strings.TrimSpace(v) == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
