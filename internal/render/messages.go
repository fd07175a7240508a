// Package render builds the HTML message texts for outgoing signals.
package render

import (
	"fmt"
	"strings"

	"marketpulse/internal/engine"
	"marketpulse/internal/models"
	"marketpulse/pkg/utils"
)

var exchangeNames = map[models.Exchange]string{
	models.ExchangeBinance: "Binance",
	models.ExchangeBybit:   "Bybit",
}

// Signal renders the message text for one evaluation decision.
func Signal(sig engine.Signal) string {
	switch sig.Metric {
	case models.MetricLiquidation:
		return liquidation(sig)
	case models.MetricOpenInterest:
		return openInterest(sig)
	default:
		return price(sig)
	}
}

func price(sig engine.Signal) string {
	emoji := "\U0001F4C8" // chart increasing
	label := "PUMP"
	if sig.Direction == models.DirectionRecession {
		emoji = "\U0001F4C9" // chart decreasing
		label = "DUMP"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s %s</b> | %s\n\n", emoji, baseAsset(sig.Symbol), label, exchangeNames[sig.Exchange])
	fmt.Fprintf(&b, "Price: %s → %s (%s)\n",
		utils.FormatPrice(sig.Baseline, 8),
		utils.FormatPrice(sig.Current, 8),
		utils.FormatPercent(signedChange(sig)))
	fmt.Fprintf(&b, "Signals today: %d", sig.DayCount)
	return b.String()
}

func openInterest(sig engine.Signal) string {
	arrow := "⬆" // up arrow
	if sig.Direction == models.DirectionRecession {
		arrow = "⬇"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s OI</b> | %s\n\n", arrow, baseAsset(sig.Symbol), exchangeNames[sig.Exchange])
	fmt.Fprintf(&b, "Open interest: %s → %s (%s)\n",
		utils.FormatUSD(sig.Baseline),
		utils.FormatUSD(sig.Current),
		utils.FormatPercent(signedChange(sig)))
	fmt.Fprintf(&b, "Signals today: %d", sig.DayCount)
	return b.String()
}

func liquidation(sig engine.Signal) string {
	side := "LONG"
	if strings.EqualFold(sig.LiquidationSide, "sell") || strings.EqualFold(sig.LiquidationSide, "short") {
		side = "SHORT"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\U0001F480 <b>%s REKT</b> | %s\n\n", baseAsset(sig.Symbol), exchangeNames[sig.Exchange])
	fmt.Fprintf(&b, "Liquidated %s: %s\n", side, utils.FormatUSD(sig.LiquidationValue))
	fmt.Fprintf(&b, "Signals today: %d", sig.DayCount)
	return b.String()
}

// signedChange restores the sign the evaluator stripped for recession.
func signedChange(sig engine.Signal) float64 {
	if sig.Direction == models.DirectionRecession {
		return -sig.ChangePercent
	}
	return sig.ChangePercent
}

// baseAsset strips the common quote suffixes from a pair symbol for display.
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
