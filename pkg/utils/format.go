package utils

import (
	"fmt"
	"strings"
)

// FormatCompact renders a large value with a K/M/B/T suffix.
func FormatCompact(num float64) string {
	switch {
	case num >= 1e12:
		return fmt.Sprintf("%.2fT", num/1e12)
	case num >= 1e9:
		return fmt.Sprintf("%.2fB", num/1e9)
	case num >= 1e6:
		return fmt.Sprintf("%.2fM", num/1e6)
	case num >= 1e3:
		return fmt.Sprintf("%.2fK", num/1e3)
	default:
		return fmt.Sprintf("%.2f", num)
	}
}

// FormatUSD renders a notional value as $-prefixed compact text.
func FormatUSD(value float64) string {
	return "$" + FormatCompact(value)
}

// FormatPrice renders a price with up to decimalPlaces decimals, trailing
// zeros trimmed. Crypto prices span many magnitudes, so a fixed precision
// either truncates small-caps or pads large-caps.
func FormatPrice(price float64, decimalPlaces int) string {
	formatted := fmt.Sprintf(fmt.Sprintf("%%.%df", decimalPlaces), price)
	formatted = strings.TrimRight(formatted, "0")
	return strings.TrimSuffix(formatted, ".")
}

// FormatPercent renders a percentage change with two decimals and a sign.
func FormatPercent(change float64) string {
	return fmt.Sprintf("%+.2f%%", change)
}
