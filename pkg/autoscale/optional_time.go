package autoscale

import (
	"encoding/json"
	"time"
)

// OptionalTime is a timestamp that is either unset or holds a value.
// The zero value is unset, so the epoch is never mistaken for "never".
type OptionalTime struct {
	at  time.Time
	set bool
}

// At returns a set OptionalTime holding t.
func At(t time.Time) OptionalTime { return OptionalTime{at: t, set: true} }

// Unset returns an empty OptionalTime.
func Unset() OptionalTime { return OptionalTime{} }

func (o OptionalTime) IsSet() bool { return o.set }

// Time returns the held value and whether it is set.
func (o OptionalTime) Time() (time.Time, bool) { return o.at, o.set }

// Since returns now minus the held value. ok is false when unset.
func (o OptionalTime) Since(now time.Time) (d time.Duration, ok bool) {
	if !o.set {
		return 0, false
	}
	return now.Sub(o.at), true
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.at)
}

func (o *OptionalTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = OptionalTime{}
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*o = At(t)
	return nil
}

func (o OptionalTime) String() string {
	if !o.set {
		return "unset"
	}
	return o.at.Format(time.RFC3339Nano)
}
