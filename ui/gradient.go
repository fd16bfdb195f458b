package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Bar colours run from red through amber to green as a rate improves.
const (
	barLow  = "#de613e"
	barHigh = "#51bd73"
)

// parseHex converts "#RRGGBB" to (r, g, b) uint8 values.
func parseHex(hex string) (uint8, uint8, uint8) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return 0, 0, 0
	}
	var r, g, b uint8
	fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b)
	return r, g, b
}

// lerpByte linearly interpolates between two bytes.
func lerpByte(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}

// lerpHex mixes two "#RRGGBB" colours.
func lerpHex(from, to string, t float64) string {
	r1, g1, b1 := parseHex(from)
	r2, g2, b2 := parseHex(to)
	return fmt.Sprintf("#%02x%02x%02x", lerpByte(r1, r2, t), lerpByte(g1, g2, t), lerpByte(b1, b2, t))
}

// RateBar renders fraction (0..1) as a bar of width cells followed by the
// percentage. The filled part is coloured by the rate itself, so a low
// success rate reads red and a high one green. Colour degrades with the
// active lipgloss profile.
func RateBar(width int, fraction float64) string {
	if width <= 0 {
		return ""
	}
	fraction = min(max(fraction, 0), 1)
	filled := int(float64(width)*fraction + 0.5)

	fill := lipgloss.NewStyle().Foreground(lipgloss.Color(lerpHex(barLow, barHigh, fraction)))
	return fill.Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %5.1f%%", fraction*100)
}
