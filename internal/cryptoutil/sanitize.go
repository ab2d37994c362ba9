package cryptoutil

import (
	"fmt"
	"math"
)

// SanitizeUUID truncates a UUID-shaped identifier to "xxxxxxxx…xxxx" for
// log lines, per spec §7: "truncates UUIDs to xxxxxxxx…xxxx".
func SanitizeUUID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}

// SanitizeAddress truncates a chain address to "xx…xxx" for log lines.
func SanitizeAddress(addr string) string {
	if len(addr) <= 5 {
		return addr
	}
	return addr[:2] + "…" + addr[len(addr)-3:]
}

// SanitizeAmount rounds a smallest-unit integer amount to the nearest 0.1
// unit (spec §7), returning a human string. decimals is the number of
// smallest-unit digits the chain's "1 unit" is defined by (e.g. 12 for a
// coin with 10^12 smallest units per unit).
func SanitizeAmount(amountSmallestUnit uint64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	unit := math.Pow10(decimals)
	whole := float64(amountSmallestUnit) / unit
	rounded := math.Round(whole*10) / 10
	return fmt.Sprintf("~%.1f", rounded)
}
