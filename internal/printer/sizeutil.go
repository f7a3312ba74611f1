package printer

import "fmt"

var byteUnits = []string{"KB", "MB", "GB", "TB"}

// FormatBytes returns the size in binary units, e.g. "512 B", "1.5 KB" or
// "15.6 GB", as memory stats are reported.
func FormatBytes(bytes uint64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}

	size := float64(bytes) / 1024
	unit := 0
	for size >= 1024 && unit < len(byteUnits)-1 {
		size /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %s", size, byteUnits[unit])
}

// FormatMemoryUsage returns the used and total memory with the used percent.
func FormatMemoryUsage(total, available uint64, usedPercent float64) string {
	used := uint64(0)
	if total > available {
		used = total - available
	}
	return fmt.Sprintf("%s / %s (%.1f%% used)", FormatBytes(used), FormatBytes(total), usedPercent)
}
