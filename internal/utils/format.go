package utils

import "strconv"

// FormatSeconds renders a second count the shortest way that parses back to
// the same value. Segment file names, encoder arguments and stream URLs all
// embed offsets through this one helper so they stay interchangeable.
func FormatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
