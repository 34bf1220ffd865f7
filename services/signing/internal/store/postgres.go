package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/accordsai/signdesk/pkg/contract"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const contractColumns = `id,title,client_name,file_url,status,signatories,sent_at,signed_at,created_at,updated_at,expires_at,version`

type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

func (s *Postgres) Migrate(ctx context.Context) error {
	files, err := migrationFiles("postgres")
	if err != nil {
		return err
	}
	for _, sql := range files {
		if _, err := s.DB.Exec(ctx, sql); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Postgres) Close() { s.DB.Close() }

func (s *Postgres) CreateContract(ctx context.Context, c contract.Contract, ev NewEvent) (contract.Contract, error) {
	c = normalizeTimes(c)
	c.Version = 1
	sigs, err := encodeSignatories(c.Signatories)
	if err != nil {
		return contract.Contract{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return contract.Contract{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO contracts(`+contractColumns+`)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.Title, c.ClientName, c.FileURL, string(c.Status), string(sigs),
		c.SentAt, c.SignedAt, c.CreatedAt, c.UpdatedAt, c.ExpiresAt, c.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return contract.Contract{}, ErrDuplicateID
		}
		return contract.Contract{}, fmt.Errorf("insert contract: %w", err)
	}
	if err := addEventPG(ctx, tx, c.ID, ev); err != nil {
		return contract.Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return contract.Contract{}, err
	}
	return c, nil
}

func (s *Postgres) GetContract(ctx context.Context, id string) (contract.Contract, error) {
	c, err := scanContractPG(s.DB.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.Contract{}, ErrNotFound
		}
		return contract.Contract{}, err
	}
	return c, nil
}

func (s *Postgres) ListContracts(ctx context.Context, f ListFilter) ([]contract.Contract, error) {
	where, args := f.where(func(n int) string { return fmt.Sprintf("$%d", n) }, func(t time.Time) any { return t.UTC() })
	n := len(args)
	q := `SELECT ` + contractColumns + ` FROM contracts` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, n+1, n+2)
	args = append(args, f.limit(), f.Offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []contract.Contract{}
	for rows.Next() {
		c, err := scanContractPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateContract(ctx context.Context, c contract.Contract, ev NewEvent) (contract.Contract, error) {
	c = normalizeTimes(c)
	sigs, err := encodeSignatories(c.Signatories)
	if err != nil {
		return contract.Contract{}, err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return contract.Contract{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE contracts SET
title=$3, client_name=$4, file_url=$5, status=$6, signatories=$7::jsonb,
sent_at=$8, signed_at=$9, updated_at=$10, expires_at=$11, version=version+1
WHERE id=$1 AND version=$2`,
		c.ID, c.Version, c.Title, c.ClientName, c.FileURL, string(c.Status), string(sigs),
		c.SentAt, c.SignedAt, c.UpdatedAt, c.ExpiresAt)
	if err != nil {
		return contract.Contract{}, fmt.Errorf("update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM contracts WHERE id=$1)`, c.ID).Scan(&exists); err != nil {
			return contract.Contract{}, err
		}
		if !exists {
			return contract.Contract{}, ErrNotFound
		}
		return contract.Contract{}, ErrVersionConflict
	}
	if err := addEventPG(ctx, tx, c.ID, ev); err != nil {
		return contract.Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return contract.Contract{}, err
	}
	c.Version++
	return c, nil
}

func (s *Postgres) DeleteContract(ctx context.Context, id string, ev NewEvent) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := addEventPG(ctx, tx, id, ev); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ListEvents(ctx context.Context, contractID string) ([]Event, error) {
	rows, err := s.DB.Query(ctx, `SELECT seq,contract_id,type,actor,occurred_at,payload FROM contract_events WHERE contract_id=$1 ORDER BY seq ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.ContractID, &e.Type, &e.Actor, &e.At, &payload); err != nil {
			return nil, err
		}
		e.At = e.At.UTC()
		e.Payload = decodePayload(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) GetIdempotencyRecord(ctx context.Context, scope, key, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `SELECT response_status,response_body FROM idempotency_records WHERE scope=$1 AND idempotency_key=$2 AND endpoint=$3`,
		scope, key, endpoint).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return status, decodePayload(body), true, nil
}

func (s *Postgres) SaveIdempotencyRecord(ctx context.Context, scope, key, endpoint string, status int, body map[string]any) error {
	b, err := encodePayload(body)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO idempotency_records(scope,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (scope,idempotency_key,endpoint) DO NOTHING`, scope, key, endpoint, status, string(b))
	return err
}

func addEventPG(ctx context.Context, tx pgx.Tx, contractID string, ev NewEvent) error {
	b, err := encodePayload(ev.Payload)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = tx.Exec(ctx, `INSERT INTO contract_events(contract_id,type,actor,payload,occurred_at) VALUES($1,$2,$3,$4::jsonb,$5)`,
		contractID, ev.Type, ev.Actor, string(b), at.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanContractPG(row pgx.Row) (contract.Contract, error) {
	var c contract.Contract
	var status string
	var sigs []byte
	if err := row.Scan(&c.ID, &c.Title, &c.ClientName, &c.FileURL, &status, &sigs,
		&c.SentAt, &c.SignedAt, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt, &c.Version); err != nil {
		return contract.Contract{}, err
	}
	c.Status = contract.Status(status)
	list, err := decodeSignatories(sigs)
	if err != nil {
		return contract.Contract{}, err
	}
	c.Signatories = list
	return normalizeTimes(c), nil
}
