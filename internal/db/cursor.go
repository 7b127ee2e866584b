package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/blacknet-honeypot/blacknet/internal/addr"
)

// pgCursor runs every operation inside one transaction, begun lazily on the
// first call after construction, Commit or Reconnect.
type pgCursor struct {
	db *DB
	tx pgx.Tx
}

func numeric(k addr.Key) pgtype.Numeric {
	return pgtype.Numeric{Int: k.Int(), Valid: true}
}

func (c *pgCursor) begin(ctx context.Context) (pgx.Tx, error) {
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.db.Pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin", err)
	}
	c.tx = tx
	return tx, nil
}

func (c *pgCursor) LocationID(ctx context.Context, id addr.Key) (int64, bool, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return 0, false, err
	}
	var loc int64
	err = tx.QueryRow(ctx,
		`SELECT location_id FROM geo_blocks
		 WHERE ip_start <= $1 AND ip_end >= $1
		 ORDER BY ip_start DESC LIMIT 1`,
		numeric(id)).Scan(&loc)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("location_id", err)
	}
	return loc, true, nil
}

func (c *pgCursor) CheckAttacker(ctx context.Context, id addr.Key) (*AttackerSeen, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	var s AttackerSeen
	err = tx.QueryRow(ctx,
		`SELECT first_seen, last_seen FROM attackers WHERE id = $1`,
		numeric(id)).Scan(&s.FirstSeen, &s.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("check_attacker", err)
	}
	return &s, nil
}

func (c *pgCursor) InsertAttacker(ctx context.Context, a *Attacker) error {
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	var dns *string
	if a.DNS != "" {
		dns = &a.DNS
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO attackers (id, ip, dns, first_seen, last_seen, location_id, archived)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		    first_seen = LEAST(attackers.first_seen, EXCLUDED.first_seen),
		    last_seen = GREATEST(attackers.last_seen, EXCLUDED.last_seen)`,
		numeric(a.ID), a.IP, dns, a.FirstSeen, a.LastSeen, a.LocationID, a.Archived)
	return wrapErr("insert_attacker", err)
}

func (c *pgCursor) UpdateAttackerFirstSeen(ctx context.Context, id addr.Key, t time.Time) error {
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE attackers SET first_seen = LEAST(first_seen, $2) WHERE id = $1`,
		numeric(id), t)
	return wrapErr("update_attacker_first_seen", err)
}

func (c *pgCursor) UpdateAttackerLastSeen(ctx context.Context, id addr.Key, t time.Time) error {
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE attackers SET last_seen = GREATEST(last_seen, $2) WHERE id = $1`,
		numeric(id), t)
	return wrapErr("update_attacker_last_seen", err)
}

func (c *pgCursor) CheckSession(ctx context.Context, id addr.Key, sensor string) (*SessionSeen, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	var s SessionSeen
	err = tx.QueryRow(ctx,
		`SELECT id, last_seen FROM sessions
		 WHERE attacker_id = $1 AND sensor = $2
		 ORDER BY last_seen DESC LIMIT 1`,
		numeric(id), sensor).Scan(&s.ID, &s.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("check_session", err)
	}
	return &s, nil
}

func (c *pgCursor) InsertSession(ctx context.Context, id addr.Key, firstSeen, lastSeen time.Time, sensor string) (int64, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	var sid int64
	err = tx.QueryRow(ctx,
		`INSERT INTO sessions (attacker_id, sensor, first_seen, last_seen)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		numeric(id), sensor, firstSeen, lastSeen).Scan(&sid)
	if err != nil {
		return 0, wrapErr("insert_session", err)
	}
	return sid, nil
}

func (c *pgCursor) UpdateSessionLastSeen(ctx context.Context, sessionID int64, t time.Time) error {
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE sessions SET last_seen = GREATEST(last_seen, $2) WHERE id = $1`,
		sessionID, t)
	return wrapErr("update_session_last_seen", err)
}

func (c *pgCursor) InsertAttempt(ctx context.Context, a *Attempt) (int64, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO attempts (attacker_id, session_id, "user", password, sensor, "time", client_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		numeric(a.AttackerID), a.SessionID, a.User, a.Password, a.Sensor, a.Time, a.ClientVersion).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert_attempt", err)
	}
	return id, nil
}

func (c *pgCursor) CheckPubkey(ctx context.Context, fingerprint string) (int64, bool, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM pubkeys WHERE fingerprint = $1`, fingerprint).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr("check_pubkey", err)
	}
	return id, true, nil
}

func (c *pgCursor) InsertPubkey(ctx context.Context, k *Pubkey) (int64, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	var id int64
	// The no-op update makes RETURNING yield the existing row on conflict.
	err = tx.QueryRow(ctx,
		`INSERT INTO pubkeys (key_type, fingerprint, key64, key_size)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (fingerprint) DO UPDATE SET fingerprint = EXCLUDED.fingerprint
		 RETURNING id`,
		k.KeyType, k.Fingerprint, k.Key64, k.KeySize).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert_pubkey", err)
	}
	return id, nil
}

func (c *pgCursor) LinkAttemptPubkey(ctx context.Context, attemptID, keyID int64) error {
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO attempts_pubkeys (attempt_id, pubkey_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		attemptID, keyID)
	return wrapErr("link_attempt_pubkey", err)
}

func (c *pgCursor) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return wrapErr("commit", tx.Commit(ctx))
}

func (c *pgCursor) Reconnect(ctx context.Context) {
	if c.tx == nil {
		return
	}
	// Rollback fails on a dead connection; the pool discards it either way.
	_ = c.tx.Rollback(ctx)
	c.tx = nil
}

func (c *pgCursor) Close() {
	if c.tx != nil {
		_ = c.tx.Rollback(context.Background())
		c.tx = nil
	}
}
