package types

import (
	"strconv"
	"time"
)

// TimeDuration accepts "30s" style strings or a bare number of seconds.
type TimeDuration time.Duration

func ParseTimeDuration(s string) (TimeDuration, error) {
	if seconds, err := strconv.ParseUint(s, 10, 32); err == nil {
		return TimeDuration(time.Duration(seconds) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return TimeDuration(d), nil
}

func (t *TimeDuration) UnmarshalText(text []byte) error {
	d, err := ParseTimeDuration(string(text))
	if err != nil {
		return err
	}
	*t = d
	return nil
}

func (t TimeDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(t).String()), nil
}

func (t TimeDuration) Duration() time.Duration {
	return time.Duration(t)
}

func (t TimeDuration) String() string {
	return time.Duration(t).String()
}
