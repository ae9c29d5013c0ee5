// Package bytesize parses and formats byte sizes such as "1KB" or "100 KiB".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Common byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches size strings like "100KB", "1.5 MB", "1024"
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// unitMultipliers maps accepted (upper-cased) suffixes to their multiplier.
// Ki/Mi/... are accepted as the binary units they already are here.
var unitMultipliers = map[string]int64{
	"":    B,
	"B":   B,
	"K":   KB,
	"KB":  KB,
	"KI":  KB,
	"KIB": KB,
	"M":   MB,
	"MB":  MB,
	"MI":  MB,
	"MIB": MB,
	"G":   GB,
	"GB":  GB,
	"GI":  GB,
	"GIB": GB,
	"T":   TB,
	"TB":  TB,
	"TI":  TB,
	"TIB": TB,
}

// Parse parses a byte size string like "100KB", "1.5MB", or "1024" into bytes.
// A bare number is interpreted as bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format formats a byte count into a human-readable string ("1.50 KB").
func Format(bytes int64) string {
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte size that can be unmarshaled from YAML as either
// a number (bytes) or a string with units ("1KB", "100KiB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		bytes, err := Parse(str)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", str, err)
		}
		*s = Size(bytes)
		return nil
	}

	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}

	return fmt.Errorf("size must be a number or string with units (e.g., 1KB, 100KiB)")
}

// MarshalYAML renders the size in its compact unit form so that a printed
// config can be loaded back.
func (s Size) MarshalYAML() (interface{}, error) {
	return Compact(int64(s)), nil
}

// Compact renders bytes with the largest unit that divides it exactly ("100KB").
func Compact(bytes int64) string {
	for _, u := range []struct {
		mult int64
		unit string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if bytes != 0 && bytes%u.mult == 0 {
			return strconv.FormatInt(bytes/u.mult, 10) + u.unit
		}
	}
	return strconv.FormatInt(bytes, 10)
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
