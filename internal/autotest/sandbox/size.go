package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses sizes like "512", "64k", "512m" or "2g" into bytes.
func ParseSize(value string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(value))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", value)
	}
	return n * mult, nil
}
