package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/blacknet-honeypot/blacknet/internal/addr"
)

// ErrNotFound is returned when a queried entity does not exist.
var ErrNotFound = errors.New("not found")

// Store hands out cursors. It is safe for concurrent use; cursors are not.
type Store interface {
	Cursor() Cursor
	Close()
}

// Cursor is one connection's unit of work against the attack database.
// Writes become visible to other cursors when Commit succeeds. After a
// failure the caller may call Reconnect, which discards uncommitted writes;
// the next call then runs on a fresh connection.
//
// Every error returned by a Cursor is a *StoreError.
type Cursor interface {
	// LocationID returns the geolocation of the attacker, ok=false when unknown.
	LocationID(ctx context.Context, id addr.Key) (locationID int64, ok bool, err error)
	// CheckAttacker returns nil when the attacker is unknown.
	CheckAttacker(ctx context.Context, id addr.Key) (*AttackerSeen, error)
	InsertAttacker(ctx context.Context, a *Attacker) error
	UpdateAttackerFirstSeen(ctx context.Context, id addr.Key, t time.Time) error
	UpdateAttackerLastSeen(ctx context.Context, id addr.Key, t time.Time) error

	// CheckSession returns the most recent session of the attacker on sensor,
	// nil when there is none.
	CheckSession(ctx context.Context, id addr.Key, sensor string) (*SessionSeen, error)
	InsertSession(ctx context.Context, id addr.Key, firstSeen, lastSeen time.Time, sensor string) (int64, error)
	UpdateSessionLastSeen(ctx context.Context, sessionID int64, t time.Time) error

	InsertAttempt(ctx context.Context, a *Attempt) (int64, error)

	CheckPubkey(ctx context.Context, fingerprint string) (keyID int64, ok bool, err error)
	InsertPubkey(ctx context.Context, k *Pubkey) (int64, error)
	LinkAttemptPubkey(ctx context.Context, attemptID, keyID int64) error

	Commit(ctx context.Context) error
	Reconnect(ctx context.Context)
	Close()
}

// StoreError reports a failed store operation. Code is the SQLSTATE for
// database errors and "conn" for connection-level failures.
type StoreError struct {
	Op   string
	Code string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s [%s]: %v", e.Op, e.Code, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// wrapErr converts err into a *StoreError for op. A nil err stays nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	code := "conn"
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		code = pgErr.Code
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = "canceled"
	}
	return &StoreError{Op: op, Code: code, Err: err}
}
