package server

import (
	"context"
	"errors"

	"github.com/blacknet-honeypot/blacknet/internal/db"
)

// storeRetry runs unit until it succeeds, fails with a non-store error, or
// has failed DatabaseRetries times. After every store failure the cursor is
// reconnected, which discards the unit's uncommitted writes, and the local
// caches are cleared since they may describe those writes.
func (c *Conn) storeRetry(ctx context.Context, unit func(context.Context) error) error {
	var err error
	for try := 1; try <= c.deps.DatabaseRetries; try++ {
		err = unit(ctx)
		if err == nil {
			c.lastStoreErr = ""
			return nil
		}
		var se *db.StoreError
		if !errors.As(err, &se) {
			return err
		}
		c.logStoreError(se, try)
		c.cursor.Reconnect(ctx)
		c.resetCaches()
	}
	return err
}

// logStoreError logs se unless it repeats the previous failure.
func (c *Conn) logStoreError(se *db.StoreError, try int) {
	key := se.Op + "/" + se.Code
	if key == c.lastStoreErr {
		c.logger.Debug("store error repeated", "op", se.Op, "code", se.Code, "try", try)
		return
	}
	c.lastStoreErr = key
	c.logger.Warn("store error, reconnecting",
		"op", se.Op,
		"code", se.Code,
		"try", try,
		"max_tries", c.deps.DatabaseRetries,
		"err", se.Err,
	)
}
