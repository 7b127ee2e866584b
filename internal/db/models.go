package db

import (
	"time"

	"github.com/blacknet-honeypot/blacknet/internal/addr"
)

type Attacker struct {
	ID         addr.Key  `json:"id"`
	IP         string    `json:"ip"`
	DNS        string    `json:"dns,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	LocationID *int64    `json:"location_id,omitempty"`
	Archived   bool      `json:"archived"`
}

// AttackerSeen is the time range an attacker has been observed in.
type AttackerSeen struct {
	FirstSeen time.Time
	LastSeen  time.Time
}

type Session struct {
	ID         int64     `json:"id"`
	AttackerID addr.Key  `json:"attacker_id"`
	Sensor     string    `json:"sensor"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// SessionSeen identifies the latest session of an attacker on a sensor.
type SessionSeen struct {
	ID       int64
	LastSeen time.Time
}

type Attempt struct {
	ID            int64     `json:"id"`
	AttackerID    addr.Key  `json:"attacker_id"`
	SessionID     int64     `json:"session_id"`
	User          string    `json:"user"`
	Password      *string   `json:"password,omitempty"`
	Sensor        string    `json:"sensor"`
	Time          time.Time `json:"time"`
	ClientVersion string    `json:"client_version"`
}

type Pubkey struct {
	ID          int64  `json:"id"`
	KeyType     string `json:"key_type"`
	Fingerprint string `json:"fingerprint"`
	Key64       string `json:"key64"`
	KeySize     int    `json:"key_size"`
}

// AttemptPubkey links an attempt to the public key it offered.
type AttemptPubkey struct {
	AttemptID int64 `json:"attempt_id"`
	PubkeyID  int64 `json:"pubkey_id"`
}
