package bot

import (
	"fmt"
	"strings"
	"time"
)

// DateParser turns user-typed time expressions into absolute times.
type DateParser interface {
	Parse(s string, loc *time.Location, now time.Time) (time.Time, error)
}

// layoutParser accepts "YYYY-MM-DD HH:MM" and bare "HH:MM". A bare clock time
// means the next occurrence: today if still ahead, otherwise tomorrow.
type layoutParser struct{}

func NewDateParser() DateParser { return layoutParser{} }

func (layoutParser) Parse(s string, loc *time.Location, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		n := now.In(loc)
		t = time.Date(n.Year(), n.Month(), n.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !t.After(n) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want \"HH:MM\" or \"YYYY-MM-DD HH:MM\")", s)
}

// splitTimeExpr pulls a leading time expression off the argument string and
// returns it together with the remainder. "2026-01-02 15:04 rest" consumes two
// tokens, "15:04 rest" consumes one.
func splitTimeExpr(args string) (expr, rest string, ok bool) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", "", false
	}
	if len(fields) >= 2 && strings.Count(fields[0], "-") == 2 {
		return fields[0] + " " + fields[1], strings.Join(fields[2:], " "), true
	}
	return fields[0], strings.Join(fields[1:], " "), true
}
