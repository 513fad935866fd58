package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that marshals as a human string ("90s",
// "10m") in YAML/JSON config files instead of a bare nanosecond integer,
// and as "0s" (the zero value) means "unlimited" wherever spec.md allows
// an optional limit.
type Duration time.Duration

// MarshalJSON implements json.Marshaler (sigs.k8s.io/yaml round-trips
// through JSON internally, so this is also what makes Duration work in
// YAML config files).
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte("\"" + time.Duration(d).String() + "\""), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid duration value")
	}
	parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Seconds reports the duration in fractional seconds, 0 meaning
// unlimited, matching the wall_seconds/cpu_seconds fields spec.md
// describes.
func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}
