package notebook

import (
	"fmt"
	"strings"
)

// Positions are fractional index keys over an ASCII-ordered base-62 alphabet.
// A key never ends in the zero digit, so there is always room between two keys.
const positionDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// keyBetween returns a key strictly between a and b. An empty a means "before
// everything", an empty b means "after everything".
func keyBetween(a, b string) (string, error) {
	if b != "" && a >= b {
		return "", fmt.Errorf("notebook: position %q is not before %q", a, b)
	}
	if strings.HasSuffix(a, "0") || strings.HasSuffix(b, "0") {
		return "", fmt.Errorf("notebook: position with trailing zero")
	}
	return midpoint(a, b), nil
}

func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(tail(a, n), b[n:])
		}
	}
	da := 0
	if a != "" {
		da = strings.IndexByte(positionDigits, a[0])
	}
	db := len(positionDigits)
	if b != "" {
		db = strings.IndexByte(positionDigits, b[0])
	}
	if db-da > 1 {
		return string(positionDigits[(da+db+1)/2])
	}
	if len(b) > 1 {
		return b[:1]
	}
	return string(positionDigits[da]) + midpoint(tail(a, 1), "")
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return positionDigits[0]
}

func tail(s string, n int) string {
	if n >= len(s) {
		return ""
	}
	return s[n:]
}

// stableRun returns, for a sequence of positions, the indexes of the longest
// strictly increasing subsequence. Blocks at those indexes keep their position
// during a reorder; everything else is moved.
func stableRun(positions []string) map[int]bool {
	n := len(positions)
	if n == 0 {
		return map[int]bool{}
	}
	// tails[k] is the index ending the best run of length k+1.
	tails := make([]int, 0, n)
	prev := make([]int, n)
	for i := range positions {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if positions[tails[mid]] < positions[i] {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			prev[i] = tails[lo-1]
		} else {
			prev[i] = -1
		}
		if lo == len(tails) {
			tails = append(tails, i)
		} else {
			tails[lo] = i
		}
	}
	keep := make(map[int]bool, len(tails))
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}
