// Package timefmt renders times and durations for operator-facing text.
package timefmt

import (
	"fmt"
	"time"
)

// Minutes renders a minute count compactly: "7m" under an hour, "2h05m"
// past it.
func Minutes(m int) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", m/60, m%60)
}

// Ago renders how far past t is, coarsely. Sub-minute gaps read "just now".
func Ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
