// Package units formats measured quantities for status output.
package units

import (
	"fmt"
	"math"
)

// DefaultTolerance absorbs log10 rounding error at exponent boundaries.
const DefaultTolerance = 1e-10

var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

var siPrefixes = map[int]string{
	24:  "Y",
	21:  "Z",
	18:  "E",
	15:  "P",
	12:  "T",
	9:   "G",
	6:   "M",
	3:   "k",
	0:   "",
	-3:  "m",
	-6:  "µ",
	-9:  "n",
	-12: "p",
	-15: "f",
	-18: "a",
	-21: "z",
	-24: "y",
}

// HumanReadableBytes renders a byte count with a binary (1024) unit, e.g. "1.50 KB".
func HumanReadableBytes(n int64) string {
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(byteUnits)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, byteUnits[i])
}

// SIPrefix renders x in engineering notation with an SI prefix, e.g. "1.000 k".
// Zero is rendered as "0" with no unit separator.
func SIPrefix(x float64) string {
	return SIPrefixTolerance(x, DefaultTolerance)
}

// SIPrefixTolerance is SIPrefix with an explicit boundary tolerance. A value whose
// log10 lies within tol below a multiple of three is promoted to that exponent,
// so 1000 (and 999.9999999999) land in the "k" bucket.
func SIPrefixTolerance(x, tol float64) string {
	if x == 0 {
		return "0"
	}

	q := math.Log10(math.Abs(x)) / 3
	if next := math.Ceil(q); (next-q)*3 < tol {
		q = next
	}
	exp := int(math.Floor(q)) * 3

	prefix, ok := siPrefixes[exp]
	if !ok {
		// outside the table: pass through unscaled
		exp = 0
		prefix = ""
	}

	return fmt.Sprintf("%.3f %s", x/math.Pow10(exp), prefix)
}
