package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatMemory renders a byte count the way the list view shows it: "12.3mb".
func FormatMemory(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%db", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cb", float64(bytes)/float64(div), "kmgtpe"[exp])
}

// ParseMemory parses a human size ("100kb", "512MB", "1g", "42") into bytes.
// A bare number is taken as bytes.
func ParseMemory(s string) (uint64, error) {
	in := strings.TrimSpace(strings.ToLower(s))
	if in == "" {
		return 0, fmt.Errorf("empty memory value")
	}

	multipliers := []struct {
		suffix string
		factor uint64
	}{
		{"tb", 1 << 40}, {"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10},
		{"t", 1 << 40}, {"g", 1 << 30}, {"m", 1 << 20}, {"k", 1 << 10},
		{"b", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(in, m.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(in, m.suffix))
			value, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid memory value %q", s)
			}
			if value < 0 {
				return 0, fmt.Errorf("memory value %q is negative", s)
			}
			return uint64(value * float64(m.factor)), nil
		}
	}

	value, err := strconv.ParseUint(in, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q", s)
	}
	return value, nil
}

// FormatDuration renders the elapsed time since start as a compact uptime
// string: "42s", "3m 12s", "5h 3m", "2d 5h".
func FormatDuration(start time.Time) string {
	d := time.Since(start)
	if d < 0 {
		d = 0
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
