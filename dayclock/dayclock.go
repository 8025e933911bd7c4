// Package dayclock resolves the school's logical day, the partition key for
// every status read and write.
package dayclock

import (
	"context"
	"log"
	"strings"
	"time"
)

// Layout is the ISO-8601 calendar date format used as the day key.
const Layout = "2006-01-02"

// Today returns now's calendar date in loc.
func Today(loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(Layout)
}

// Resolve prefers a store-provided override when it is a valid date and
// otherwise falls back to the local computation.
func Resolve(override string, loc *time.Location, now time.Time) string {
	if day := strings.TrimSpace(override); day != "" {
		if _, err := time.Parse(Layout, day); err == nil {
			return day
		}
	}
	return Today(loc, now)
}

// OverrideSource supplies an operator-set logical day, "" when none is set.
type OverrideSource interface {
	SchoolToday(ctx context.Context) (string, error)
}

// NewResolver returns a day resolver consulting src before computing the
// date in loc. A failing src is logged and the local date is used.
func NewResolver(src OverrideSource, loc *time.Location, now func() time.Time) func(ctx context.Context) (string, error) {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (string, error) {
		var override string
		if src != nil {
			day, err := src.SchoolToday(ctx)
			if err != nil {
				log.Printf("[dayclock] reading day override failed, using %s date: %v", loc, err)
			}
			override = day
		}
		return Resolve(override, loc, now()), nil
	}
}
