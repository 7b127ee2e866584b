package db

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacknet-honeypot/blacknet/internal/addr"
)

var errCursorClosed = errors.New("cursor closed")

// Memory is an in-memory Store. Each cursor stages its writes privately and
// merges them on Commit with the same upsert rules the Postgres store uses.
// Suitable for development and tests.
type Memory struct {
	mu        sync.RWMutex
	attackers map[addr.Key]Attacker
	sessions  map[int64]Session
	attempts  []Attempt
	pubkeys   map[int64]Pubkey
	byFP      map[string]int64
	claims    map[string]int64
	links     map[AttemptPubkey]struct{}
	locations map[addr.Key]int64

	sessionSeq atomic.Int64
	attemptSeq atomic.Int64
	pubkeySeq  atomic.Int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		attackers: make(map[addr.Key]Attacker),
		sessions:  make(map[int64]Session),
		pubkeys:   make(map[int64]Pubkey),
		byFP:      make(map[string]int64),
		claims:    make(map[string]int64),
		links:     make(map[AttemptPubkey]struct{}),
		locations: make(map[addr.Key]int64),
	}
}

func (m *Memory) Cursor() Cursor { return &memCursor{m: m} }

func (m *Memory) Close() {}

// SetLocation registers a geolocation for an address key.
func (m *Memory) SetLocation(id addr.Key, locationID int64) {
	m.mu.Lock()
	m.locations[id] = locationID
	m.mu.Unlock()
}

// Attacker returns the committed attacker with the given id.
func (m *Memory) Attacker(id addr.Key) (Attacker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attackers[id]
	return a, ok
}

// Attackers returns all committed attackers ordered by first sighting.
func (m *Memory) Attackers() []Attacker {
	m.mu.RLock()
	out := make([]Attacker, 0, len(m.attackers))
	for _, a := range m.attackers {
		out = append(out, a)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Attacker) int { return a.FirstSeen.Compare(b.FirstSeen) })
	return out
}

// Sessions returns all committed sessions ordered by id.
func (m *Memory) Sessions() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Session) int { return cmpInt64(a.ID, b.ID) })
	return out
}

// Attempts returns all committed attempts ordered by id.
func (m *Memory) Attempts() []Attempt {
	m.mu.RLock()
	out := slices.Clone(m.attempts)
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Attempt) int { return cmpInt64(a.ID, b.ID) })
	return out
}

// Pubkeys returns all committed public keys ordered by id.
func (m *Memory) Pubkeys() []Pubkey {
	m.mu.RLock()
	out := make([]Pubkey, 0, len(m.pubkeys))
	for _, k := range m.pubkeys {
		out = append(out, k)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Pubkey) int { return cmpInt64(a.ID, b.ID) })
	return out
}

// Links returns all committed attempt/key associations.
func (m *Memory) Links() []AttemptPubkey {
	m.mu.RLock()
	out := make([]AttemptPubkey, 0, len(m.links))
	for l := range m.links {
		out = append(out, l)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b AttemptPubkey) int {
		if c := cmpInt64(a.AttemptID, b.AttemptID); c != 0 {
			return c
		}
		return cmpInt64(a.PubkeyID, b.PubkeyID)
	})
	return out
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// memTx holds a cursor's uncommitted writes.
type memTx struct {
	attackers map[addr.Key]Attacker
	sessions  map[int64]Session
	attempts  []Attempt
	pubkeys   map[string]Pubkey
	links     []AttemptPubkey
}

func newMemTx() *memTx {
	return &memTx{
		attackers: make(map[addr.Key]Attacker),
		sessions:  make(map[int64]Session),
		pubkeys:   make(map[string]Pubkey),
	}
}

type memCursor struct {
	m      *Memory
	tx     *memTx
	closed bool
}

func (c *memCursor) begin(op string) (*memTx, error) {
	if c.closed {
		return nil, &StoreError{Op: op, Code: "conn", Err: errCursorClosed}
	}
	if c.tx == nil {
		c.tx = newMemTx()
	}
	return c.tx, nil
}

func (c *memCursor) attacker(tx *memTx, id addr.Key) (Attacker, bool) {
	if a, ok := tx.attackers[id]; ok {
		return a, true
	}
	return c.m.Attacker(id)
}

func (c *memCursor) session(tx *memTx, id int64) (Session, bool) {
	if s, ok := tx.sessions[id]; ok {
		return s, true
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	s, ok := c.m.sessions[id]
	return s, ok
}

func (c *memCursor) LocationID(_ context.Context, id addr.Key) (int64, bool, error) {
	if _, err := c.begin("location_id"); err != nil {
		return 0, false, err
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	loc, ok := c.m.locations[id]
	return loc, ok, nil
}

func (c *memCursor) CheckAttacker(_ context.Context, id addr.Key) (*AttackerSeen, error) {
	tx, err := c.begin("check_attacker")
	if err != nil {
		return nil, err
	}
	a, ok := c.attacker(tx, id)
	if !ok {
		return nil, nil
	}
	return &AttackerSeen{FirstSeen: a.FirstSeen, LastSeen: a.LastSeen}, nil
}

func (c *memCursor) InsertAttacker(_ context.Context, a *Attacker) error {
	tx, err := c.begin("insert_attacker")
	if err != nil {
		return err
	}
	if cur, ok := c.attacker(tx, a.ID); ok {
		cur.FirstSeen = minTime(cur.FirstSeen, a.FirstSeen)
		cur.LastSeen = maxTime(cur.LastSeen, a.LastSeen)
		tx.attackers[a.ID] = cur
		return nil
	}
	tx.attackers[a.ID] = *a
	return nil
}

func (c *memCursor) UpdateAttackerFirstSeen(_ context.Context, id addr.Key, t time.Time) error {
	tx, err := c.begin("update_attacker_first_seen")
	if err != nil {
		return err
	}
	if a, ok := c.attacker(tx, id); ok {
		a.FirstSeen = minTime(a.FirstSeen, t)
		tx.attackers[id] = a
	}
	return nil
}

func (c *memCursor) UpdateAttackerLastSeen(_ context.Context, id addr.Key, t time.Time) error {
	tx, err := c.begin("update_attacker_last_seen")
	if err != nil {
		return err
	}
	if a, ok := c.attacker(tx, id); ok {
		a.LastSeen = maxTime(a.LastSeen, t)
		tx.attackers[id] = a
	}
	return nil
}

func (c *memCursor) CheckSession(_ context.Context, id addr.Key, sensor string) (*SessionSeen, error) {
	tx, err := c.begin("check_session")
	if err != nil {
		return nil, err
	}
	var best *Session
	consider := func(s Session) {
		if s.AttackerID != id || s.Sensor != sensor {
			return
		}
		if best == nil || s.LastSeen.After(best.LastSeen) ||
			(s.LastSeen.Equal(best.LastSeen) && s.ID > best.ID) {
			s := s
			best = &s
		}
	}
	c.m.mu.RLock()
	for sid, s := range c.m.sessions {
		if _, staged := tx.sessions[sid]; !staged {
			consider(s)
		}
	}
	c.m.mu.RUnlock()
	for _, s := range tx.sessions {
		consider(s)
	}
	if best == nil {
		return nil, nil
	}
	return &SessionSeen{ID: best.ID, LastSeen: best.LastSeen}, nil
}

func (c *memCursor) InsertSession(_ context.Context, id addr.Key, firstSeen, lastSeen time.Time, sensor string) (int64, error) {
	tx, err := c.begin("insert_session")
	if err != nil {
		return 0, err
	}
	sid := c.m.sessionSeq.Add(1)
	tx.sessions[sid] = Session{ID: sid, AttackerID: id, Sensor: sensor, FirstSeen: firstSeen, LastSeen: lastSeen}
	return sid, nil
}

func (c *memCursor) UpdateSessionLastSeen(_ context.Context, sessionID int64, t time.Time) error {
	tx, err := c.begin("update_session_last_seen")
	if err != nil {
		return err
	}
	if s, ok := c.session(tx, sessionID); ok {
		s.LastSeen = maxTime(s.LastSeen, t)
		tx.sessions[sessionID] = s
	}
	return nil
}

func (c *memCursor) InsertAttempt(_ context.Context, a *Attempt) (int64, error) {
	tx, err := c.begin("insert_attempt")
	if err != nil {
		return 0, err
	}
	row := *a
	row.ID = c.m.attemptSeq.Add(1)
	tx.attempts = append(tx.attempts, row)
	return row.ID, nil
}

func (c *memCursor) CheckPubkey(_ context.Context, fingerprint string) (int64, bool, error) {
	tx, err := c.begin("check_pubkey")
	if err != nil {
		return 0, false, err
	}
	if k, ok := tx.pubkeys[fingerprint]; ok {
		return k.ID, true, nil
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	id, ok := c.m.byFP[fingerprint]
	return id, ok, nil
}

// InsertPubkey claims the fingerprint store-wide, so cursors racing on the
// same key are handed the same id whichever of them commits first.
func (c *memCursor) InsertPubkey(_ context.Context, k *Pubkey) (int64, error) {
	tx, err := c.begin("insert_pubkey")
	if err != nil {
		return 0, err
	}
	if row, ok := tx.pubkeys[k.Fingerprint]; ok {
		return row.ID, nil
	}
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byFP[k.Fingerprint]; ok {
		return id, nil
	}
	id, ok := m.claims[k.Fingerprint]
	if !ok {
		id = m.pubkeySeq.Add(1)
		m.claims[k.Fingerprint] = id
	}
	row := *k
	row.ID = id
	tx.pubkeys[k.Fingerprint] = row
	return id, nil
}

func (c *memCursor) LinkAttemptPubkey(_ context.Context, attemptID, keyID int64) error {
	tx, err := c.begin("link_attempt_pubkey")
	if err != nil {
		return err
	}
	tx.links = append(tx.links, AttemptPubkey{AttemptID: attemptID, PubkeyID: keyID})
	return nil
}

func (c *memCursor) Commit(context.Context) error {
	if c.closed {
		return &StoreError{Op: "commit", Code: "conn", Err: errCursorClosed}
	}
	tx := c.tx
	c.tx = nil
	if tx == nil {
		return nil
	}

	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range tx.attackers {
		if cur, ok := m.attackers[id]; ok {
			a.FirstSeen = minTime(cur.FirstSeen, a.FirstSeen)
			a.LastSeen = maxTime(cur.LastSeen, a.LastSeen)
		}
		m.attackers[id] = a
	}
	for id, s := range tx.sessions {
		if cur, ok := m.sessions[id]; ok {
			s.FirstSeen = minTime(cur.FirstSeen, s.FirstSeen)
			s.LastSeen = maxTime(cur.LastSeen, s.LastSeen)
		}
		m.sessions[id] = s
	}
	m.attempts = append(m.attempts, tx.attempts...)

	for fp, k := range tx.pubkeys {
		if _, ok := m.byFP[fp]; !ok {
			m.pubkeys[k.ID] = k
			m.byFP[fp] = k.ID
		}
		delete(m.claims, fp)
	}
	for _, l := range tx.links {
		m.links[l] = struct{}{}
	}
	return nil
}

func (c *memCursor) Reconnect(context.Context) {
	c.tx = nil
	c.closed = false
}

func (c *memCursor) Close() {
	c.tx = nil
	c.closed = true
}
