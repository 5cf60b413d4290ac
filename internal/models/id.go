// Package models defines the relay's session records and their encoder settings.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID identifies sessions. The zero value means "unset" and is stored as
// NULL and encoded as an empty string.
type ULID ulid.ULID

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a fresh id. Ids minted within the same millisecond still
// sort in creation order.
func NewULID() ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy))
}

// ParseULID parses the canonical 26 character form.
func ParseULID(s string) (ULID, error) {
	var u ULID
	if s == "" {
		return u, fmt.Errorf("invalid ULID: empty")
	}
	return u, u.set(s)
}

func (u *ULID) set(s string) error {
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	*u = ULID(id)
	return nil
}

func (u ULID) String() string { return ulid.ULID(u).String() }

// IsZero reports whether u is unset.
func (u ULID) IsZero() bool { return u == ULID{} }

// Time returns the creation time encoded in u.
func (u ULID) Time() time.Time { return ulid.Time(ulid.ULID(u).Time()) }

func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

func (u *ULID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		return u.set(v)
	case []byte:
		return u.set(string(v))
	}
	return fmt.Errorf("cannot scan %T into ULID", value)
}

func (u ULID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

func (u *ULID) UnmarshalText(data []byte) error { return u.set(string(data)) }

// GormDataType sizes the column for the text form.
func (ULID) GormDataType() string { return "varchar(26)" }

// BoolPtr returns &b.
func BoolPtr(b bool) *bool { return &b }

// BoolVal dereferences b, treating nil as true.
func BoolVal(b *bool) bool { return b == nil || *b }
