package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions and descriptors such as
// "@daily" or "@every 1h".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a cron expression.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Validate reports whether expr is a valid cron expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// NextFire returns the first activation of expr strictly after from. The
// result depends only on its inputs.
func NextFire(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

var descriptions = map[string]string{
	"0 0 * * *":    "Every day at midnight",
	"0 2 * * *":    "Every day at 02:00",
	"0 8 * * *":    "Every day at 08:00",
	"0 12 * * *":   "Every day at noon",
	"0 18 * * *":   "Every day at 18:00",
	"0 */6 * * *":  "Every 6 hours",
	"0 */12 * * *": "Every 12 hours",
	"0 0 * * 0":    "Every Sunday at midnight",
	"0 0 1 * *":    "On the 1st of every month",
	"0 0 1 1 *":    "Every year on January 1st",
	"*/5 * * * *":  "Every 5 minutes",
	"*/15 * * * *": "Every 15 minutes",
	"*/30 * * * *": "Every 30 minutes",
	"@yearly":      "Every year on January 1st",
	"@annually":    "Every year on January 1st",
	"@monthly":     "On the 1st of every month",
	"@weekly":      "Every Sunday at midnight",
	"@daily":       "Every day at midnight",
	"@midnight":    "Every day at midnight",
	"@hourly":      "Every hour",
}

// Describe returns a human readable description of common expressions.
// Other expressions are returned unchanged.
func Describe(expr string) string {
	expr = strings.Join(strings.Fields(expr), " ")
	if d, ok := descriptions[expr]; ok {
		return d
	}
	if every, ok := strings.CutPrefix(expr, "@every "); ok {
		if d, err := time.ParseDuration(every); err == nil {
			return "Every " + d.String()
		}
	}
	return expr
}
