package model

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// Rate is an optional hiring-rate percentage (0-100). The zero value is
// unknown/unset.
type Rate struct {
	value float64
	known bool
}

// RateOf returns a known rate. Values are clamped into [0, 100].
func RateOf(v float64) Rate {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return Rate{value: v, known: true}
}

// UnknownRate returns the unset rate.
func UnknownRate() Rate { return Rate{} }

// Known reports whether the rate has a value.
func (r Rate) Known() bool { return r.known }

// Float returns the rate and whether it is known.
func (r Rate) Float() (float64, bool) { return r.value, r.known }

func (r Rate) String() string {
	if !r.known {
		return "unknown"
	}
	return strconv.FormatFloat(r.value, 'f', -1, 64) + "%"
}

// RateVerdict is the result of comparing a job rate against a threshold.
type RateVerdict int

const (
	// RateAdmit: threshold unset, or job rate known and >= threshold.
	RateAdmit RateVerdict = iota
	// RateBelow: job rate known and strictly below the threshold.
	RateBelow
	// RateUndecided: threshold set but the job rate is still unknown.
	RateUndecided
)

// Check compares a job's rate against r used as a minimum threshold.
func (r Rate) Check(job Rate) RateVerdict {
	if !r.known {
		return RateAdmit
	}
	if !job.known {
		return RateUndecided
	}
	if job.value < r.value {
		return RateBelow
	}
	return RateAdmit
}

// Scan implements sql.Scanner; NULL scans to the unknown rate.
func (r *Rate) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = Rate{}
	case float64:
		*r = RateOf(v)
	case int64:
		*r = RateOf(float64(v))
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return fmt.Errorf("scan rate %q: %w", v, err)
		}
		*r = RateOf(f)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("scan rate %q: %w", v, err)
		}
		*r = RateOf(f)
	default:
		return fmt.Errorf("scan rate: unsupported type %T", src)
	}
	return nil
}

// Value implements driver.Valuer; the unknown rate is stored as NULL.
func (r Rate) Value() (driver.Value, error) {
	if !r.known {
		return nil, nil
	}
	return r.value, nil
}
