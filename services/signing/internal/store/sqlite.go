package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/accordsai/signdesk/pkg/contract"

	_ "modernc.org/sqlite"
)

const sqliteTime = time.RFC3339Nano

// SQLite keeps times as RFC 3339 text in UTC. A single connection
// serializes writers.
type SQLite struct{ DB *sql.DB }

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	s := &SQLite{DB: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	files, err := migrationFiles("sqlite")
	if err != nil {
		return err
	}
	for _, q := range files {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *SQLite) Close() { _ = s.DB.Close() }

func (s *SQLite) CreateContract(ctx context.Context, c contract.Contract, ev NewEvent) (contract.Contract, error) {
	c = normalizeTimes(c)
	c.Version = 1
	sigs, err := encodeSignatories(c.Signatories)
	if err != nil {
		return contract.Contract{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return contract.Contract{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO contracts(`+contractColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, c.ClientName, nullString(c.FileURL), string(c.Status), string(sigs),
		textTimePtr(c.SentAt), textTimePtr(c.SignedAt), textTime(c.CreatedAt), textTime(c.UpdatedAt),
		textTimePtr(c.ExpiresAt), c.Version)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return contract.Contract{}, ErrDuplicateID
		}
		return contract.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	if err := addEventSQL(ctx, tx, c.ID, ev); err != nil {
		return contract.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return contract.Contract{}, err
	}
	return c, nil
}

func (s *SQLite) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	c, err := scanContractSQL(s.DB.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contract.Contract{}, ErrNotFound
		}
		return contract.Contract{}, err
	}
	return c, nil
}

func (s *SQLite) ListContracts(ctx context.Context, f ListFilter) ([]contract.Contract, error) {
	where, args := f.where(func(int) string { return "?" }, func(t time.Time) any { return textTime(t) })
	q := `SELECT ` + contractColumns + ` FROM contracts` + where
	q += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, f.limit(), f.Offset)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []contract.Contract{}
	for rows.Next() {
		c, err := scanContractSQL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateContract(ctx context.Context, c contract.Contract, ev NewEvent) (contract.Contract, error) {
	c = normalizeTimes(c)
	sigs, err := encodeSignatories(c.Signatories)
	if err != nil {
		return contract.Contract{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return contract.Contract{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE contracts SET
title=?, client_name=?, file_url=?, status=?, signatories=?,
sent_at=?, signed_at=?, updated_at=?, expires_at=?, version=version+1
WHERE id=? AND version=?`,
		c.Title, c.ClientName, nullString(c.FileURL), string(c.Status), string(sigs),
		textTimePtr(c.SentAt), textTimePtr(c.SignedAt), textTime(c.UpdatedAt), textTimePtr(c.ExpiresAt),
		c.ID, c.Version)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("update contract: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contract.Contract{}, err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM contracts WHERE id=?`, c.ID).Scan(&exists); err != nil {
			return contract.Contract{}, err
		}
		if exists == 0 {
			return contract.Contract{}, ErrNotFound
		}
		return contract.Contract{}, ErrVersionConflict
	}
	if err := addEventSQL(ctx, tx, c.ID, ev); err != nil {
		return contract.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return contract.Contract{}, err
	}
	c.Version++
	return c, nil
}

func (s *SQLite) DeleteContract(ctx context.Context, id string, ev NewEvent) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM contracts WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete contract: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := addEventSQL(ctx, tx, id, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ListEvents(ctx context.Context, contractID string) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT seq,contract_id,type,actor,occurred_at,payload FROM contract_events WHERE contract_id=? ORDER BY seq ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var e Event
		var at, payload string
		if err := rows.Scan(&e.Seq, &e.ContractID, &e.Type, &e.Actor, &at, &payload); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(sqliteTime, at); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		e.Payload = decodePayload([]byte(payload))
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) GetIdempotencyRecord(ctx context.Context, scope, key, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body string
	err := s.DB.QueryRowContext(ctx, `SELECT response_status,response_body FROM idempotency_records WHERE scope=? AND idempotency_key=? AND endpoint=?`,
		scope, key, endpoint).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return status, decodePayload([]byte(body)), true, nil
}

func (s *SQLite) SaveIdempotencyRecord(ctx context.Context, scope, key, endpoint string, status int, body map[string]any) error {
	b, err := encodePayload(body)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO idempotency_records(scope,idempotency_key,endpoint,response_status,response_body,created_at)
VALUES(?,?,?,?,?,?)`, scope, key, endpoint, status, string(b), textTime(time.Now()))
	return err
}

func addEventSQL(ctx context.Context, tx *sql.Tx, contractID string, ev NewEvent) error {
	b, err := encodePayload(ev.Payload)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO contract_events(contract_id,type,actor,payload,occurred_at) VALUES(?,?,?,?,?)`,
		contractID, ev.Type, ev.Actor, string(b), textTime(at.Truncate(time.Microsecond)))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContractSQL(row rowScanner) (contract.Contract, error) {
	var c contract.Contract
	var status, sigs, created, updated string
	var fileURL, sent, signed, expires sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &c.ClientName, &fileURL, &status, &sigs,
		&sent, &signed, &created, &updated, &expires, &c.Version); err != nil {
		return contract.Contract{}, err
	}
	c.Status = contract.Status(status)
	if fileURL.Valid {
		v := fileURL.String
		c.FileURL = &v
	}
	var err error
	if c.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
		return contract.Contract{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
		return contract.Contract{}, fmt.Errorf("parse updated_at: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{sent, &c.SentAt}, {signed, &c.SignedAt}, {expires, &c.ExpiresAt}} {
		if !f.src.Valid {
			continue
		}
		t, err := time.Parse(sqliteTime, f.src.String)
		if err != nil {
			return contract.Contract{}, fmt.Errorf("parse time: %w", err)
		}
		*f.dst = &t
	}
	list, err := decodeSignatories([]byte(sigs))
	if err != nil {
		return contract.Contract{}, err
	}
	c.Signatories = list
	return normalizeTimes(c), nil
}

// textTime writes a fixed-width UTC form so lexical order matches time order.
func textTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

func textTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return textTime(*t)
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
