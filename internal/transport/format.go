package transport

import "fmt"

// FormatBytes renders n with a binary unit, e.g. "1.50 MiB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 5; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatRate renders a bytes/s rate; zero means unlimited.
func FormatRate(bps int64) string {
	if bps <= 0 {
		return "unlimited"
	}
	return FormatBytes(bps) + "/s"
}
