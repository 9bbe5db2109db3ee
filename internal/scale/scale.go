// Package scale defines the estimation scales a planning session can use
// and the aggregate arithmetic computed over submitted votes at reveal.
package scale

import (
	"sort"
	"strconv"
)

const (
	Fibonacci         = "fibonacci"
	ModifiedFibonacci = "modified_fibonacci"
	TShirt            = "t_shirt"
)

var scales = map[string][]string{
	Fibonacci:         {"0", "0.5", "1", "2", "3", "5", "8", "13", "21", "?", "coffee"},
	ModifiedFibonacci: {"0", "0.5", "1", "2", "3", "5", "8", "13", "20", "40", "100", "?", "coffee"},
	TShirt:            {"XS", "S", "M", "L", "XL", "XXL", "?", "coffee"},
}

// Votes on the fibonacci scale that carry a fractional point value. Whole
// point votes are recognized by the digit check in NumericValue instead.
var fractionalTokens = map[string]float64{
	"0.5": 0.5, "1": 1, "2": 2, "3": 3, "5": 5, "8": 8, "13": 13, "21": 21,
}

// ValidValues returns the vote tokens legal for the named scale. Unknown
// scale names fall back to the fibonacci enumeration.
func ValidValues(name string) []string {
	if values, ok := scales[name]; ok {
		return values
	}
	return scales[Fibonacci]
}

func IsValid(name, value string) bool {
	for _, v := range ValidValues(name) {
		if v == value {
			return true
		}
	}
	return false
}

// NumericValue reports whether a vote token counts toward the aggregate
// statistics and, if so, its point value. A token is numeric when it is a
// plain digit string or one of the fibonacci point tokens; "?", "coffee"
// and t-shirt sizes are excluded.
func NumericValue(token string) (float64, bool) {
	if isDigits(token) {
		parsed, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	if v, ok := fractionalTokens[token]; ok {
		return v, true
	}
	return 0, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Average returns the arithmetic mean of the numeric votes among tokens,
// or ok=false when no vote is numeric.
func Average(tokens []string) (float64, bool) {
	numeric := numericVotes(tokens)
	if len(numeric) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range numeric {
		sum += v
	}
	return sum / float64(len(numeric)), true
}

// Median returns the median of the numeric votes among tokens rendered as
// a string, or ok=false when no vote is numeric. Odd counts render the
// middle vote as it would appear on a card ("5", "0.5"); even counts are
// the mean of the two middle votes rendered in decimal form ("4.0").
func Median(tokens []string) (string, bool) {
	numeric := numericVotes(tokens)
	if len(numeric) == 0 {
		return "", false
	}
	sort.Float64s(numeric)
	n := len(numeric)
	if n%2 == 1 {
		return formatPoint(numeric[n/2]), true
	}
	return formatDecimal((numeric[n/2-1] + numeric[n/2]) / 2), true
}

func numericVotes(tokens []string) []float64 {
	var numeric []float64
	for _, token := range tokens {
		if v, ok := NumericValue(token); ok {
			numeric = append(numeric, v)
		}
	}
	return numeric
}

func formatPoint(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatDecimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	for _, r := range s {
		if r == '.' {
			return s
		}
	}
	return s + ".0"
}
