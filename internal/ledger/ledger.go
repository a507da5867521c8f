// Package ledger prices a sit in points.
package ledger

import "time"

// PointsPerHour is the fixed exchange rate between sitting time and points.
const PointsPerHour int64 = 10

// Policy converts a sit interval into the points the owner owes the sitter.
type Policy struct {
	Rate int64
}

// Default is the policy applied by the request engine.
var Default = Policy{Rate: PointsPerHour}

// Hours returns the whole hours between start and end, truncated.
// A missing endpoint or an inverted interval counts as zero hours.
func Hours(start, end *time.Time) int64 {
	if start == nil || end == nil {
		return 0
	}
	d := end.Sub(*start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Hour)
}

// PointsOwed never fails and never goes negative.
func (p Policy) PointsOwed(start, end *time.Time) int64 {
	rate := p.Rate
	if rate < 0 {
		rate = 0
	}
	return Hours(start, end) * rate
}
