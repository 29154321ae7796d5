package geo

import (
	"fmt"
	"math"
)

// FormatDistance renders meters as "850m" below one kilometer and "3.2km" above.
func FormatDistance(meters float64) string {
	if !finite(meters) || meters < 0 {
		meters = 0
	}
	if meters < 1000 {
		return fmt.Sprintf("%dm", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.1fkm", meters/1000)
}

// FormatDuration renders minutes as "12min" or "1h5min".
func FormatDuration(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	if minutes < 60 {
		return fmt.Sprintf("%dmin", minutes)
	}
	return fmt.Sprintf("%dh%dmin", minutes/60, minutes%60)
}
