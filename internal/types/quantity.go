package types

import (
	"fmt"
	"strconv"
	"strings"
)

var quantitySuffixes = map[string]int64{
	"":   1,
	"K":  1000,
	"M":  1000 * 1000,
	"G":  1000 * 1000 * 1000,
	"T":  1000 * 1000 * 1000 * 1000,
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"Ti": 1 << 40,
}

// parseQuantity parses a byte quantity such as "512Mi", "2Gi", or a
// bare integer number of bytes. Empty input is treated as zero.
func parseQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var numPart, suffix string
	for i, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' {
			numPart, suffix = s[:i], s[i:]
			break
		}
	}
	if numPart == "" {
		numPart = s
	}
	mult, ok := quantitySuffixes[suffix]
	if !ok {
		return 0, fmt.Errorf("types: unrecognized quantity suffix %q in %q", suffix, s)
	}
	val, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("types: invalid quantity %q: %w", s, err)
	}
	return int64(val * float64(mult)), nil
}
