package economy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"otterchat.org/internal/common"
)

// minorPerUnit is the number of minor units in one chatterbuck.
const minorPerUnit = 100

// ParseAmount converts a decimal string with at most two fractional digits
// into minor units. A leading sign is allowed.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount: %w", common.ErrInvalidInput)
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || !digits(whole) || (hasDot && (frac == "" || len(frac) > 2 || !digits(frac))) {
		return 0, fmt.Errorf("amount %q: %w", s, common.ErrInvalidInput)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units > math.MaxInt64/minorPerUnit-1 {
		return 0, fmt.Errorf("amount %q out of range: %w", s, common.ErrInvalidInput)
	}
	var cents int64
	if frac != "" {
		for len(frac) < 2 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	total := units*minorPerUnit + cents
	if neg {
		total = -total
	}
	return total, nil
}

// FormatAmount renders minor units as a decimal string with two fractional digits.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/minorPerUnit, minor%minorPerUnit)
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
