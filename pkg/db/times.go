package db

import (
	"fmt"
	"time"
)

// timeLayout is SQLite's canonical datetime text form. Every timestamp is
// bound through bindTime so that range predicates compare lexically and the
// built-in date functions (strftime) can parse the column. It also matches
// what CURRENT_TIMESTAMP produces.
const timeLayout = "2006-01-02 15:04:05"

func bindTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// bindTimeOrNil binds a zero time as NULL so column defaults apply.
func bindTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return bindTime(t)
}

// sqlTime scans a DATETIME column whether the driver hands back a parsed
// time or the raw text.
type sqlTime struct {
	time.Time
}

func (s *sqlTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		s.Time = time.Time{}
		return nil
	case time.Time:
		s.Time = x.UTC()
		return nil
	case string:
		return s.parse(x)
	case []byte:
		return s.parse(string(x))
	default:
		return fmt.Errorf("scan timestamp: unsupported type %T", v)
	}
}

func (s *sqlTime) parse(raw string) error {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	s.Time = t
	return nil
}
