package meter

import (
	"fmt"
	"math"
)

// FormatPower renders watts as "123.4 W" or "1.23 kW"; unknown power renders as "—".
func FormatPower(watts *float64) string {
	if watts == nil || math.IsNaN(*watts) {
		return "—"
	}
	if *watts >= 1000 {
		return fmt.Sprintf("%.2f kW", *watts/1000)
	}
	return fmt.Sprintf("%.1f W", *watts)
}

// FormatDuration renders seconds as "12.3 s" under a minute and "4m 5s" above.
func FormatDuration(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return "—"
	}
	if seconds < 60 {
		return fmt.Sprintf("%.1f s", seconds)
	}
	minutes := math.Floor(seconds / 60)
	return fmt.Sprintf("%.0fm %.0fs", minutes, math.Mod(seconds, 60))
}
