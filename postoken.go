package revdb

import (
	"fmt"
	"strings"
)

// Position tokens are short strings over a base-62 alphabet, compared
// lexicographically. posBetween always returns a token strictly between its
// neighbors, so a row can be inserted anywhere without renumbering siblings.
// Tokens never end in the zero digit '0', which guarantees that a strictly
// smaller extension exists below every token.
//
// Tokens grow by one digit per pathological insert at the same spot;
// renormalizePositions reassigns short evenly spaced tokens when a database
// accumulates long ones.

const posAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// posBetween returns a token strictly between lo and hi. Empty lo means
// before everything; empty hi means after everything. Panics if lo >= hi,
// which is always a caller bug.
func posBetween(lo, hi string) string {
	if hi != "" && lo >= hi {
		panic(fmt.Sprintf("posBetween(%q, %q): bounds not ordered", lo, hi))
	}
	return posMidpoint(lo, hi)
}

func posMidpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) && posDigitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + posMidpoint(rest, b[n:])
		}
	}
	da := 0
	if a != "" {
		da = strings.IndexByte(posAlphabet, a[0])
	}
	db := len(posAlphabet)
	if b != "" {
		db = strings.IndexByte(posAlphabet, b[0])
	}
	if db-da > 1 {
		return string(posAlphabet[(da+db+1)/2])
	}
	// consecutive leading digits
	if len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if len(a) > 1 {
		rest = a[1:]
	}
	return string(posAlphabet[da]) + posMidpoint(rest, "")
}

func posDigitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return posAlphabet[0]
}

func validPos(pos string) bool {
	if pos == "" {
		return false
	}
	for i := 0; i < len(pos); i++ {
		if strings.IndexByte(posAlphabet, pos[i]) < 0 {
			return false
		}
	}
	return pos[len(pos)-1] != posAlphabet[0]
}

// posSequence returns n evenly spaced tokens in ascending order, as short as
// the alphabet allows. Used by position renormalization.
func posSequence(n int) []string {
	if n == 0 {
		return nil
	}
	base := len(posAlphabet)
	width := 1
	span := base
	for span-1 < n {
		span *= base
		width++
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		// value in (0, span), evenly spread
		v := (i + 1) * span / (n + 1)
		if v == 0 {
			v = 1
		}
		out[i] = posEncode(v, width)
	}
	return out
}

func posEncode(v, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = posAlphabet[v%len(posAlphabet)]
		v /= len(posAlphabet)
	}
	// trim the forbidden trailing zero digits
	end := width
	for end > 1 && buf[end-1] == posAlphabet[0] {
		end--
	}
	return string(buf[:end])
}
