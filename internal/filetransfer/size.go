package filetransfer

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseRate parses a transfer rate such as "512KiB/s", "2MB" or "0".
// "unlimited" and "0" mean no limit and return 0. Decimal (KB = 1000) and
// binary (KiB = 1024) units are accepted; a trailing "/s" is optional.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unlimited") {
		return 0, nil
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "ps")

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return int64(n), nil
}

// FormatSize formats bytes with IEC units (KiB, MiB, ...).
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatRate formats a bytes-per-second rate, or "unlimited" for 0.
func FormatRate(bytesPerSecond int64) string {
	if bytesPerSecond <= 0 {
		return "unlimited"
	}
	return FormatSize(bytesPerSecond) + "/s"
}
