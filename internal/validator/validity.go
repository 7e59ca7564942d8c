package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

var relativeTime = regexp.MustCompile(`^(\d+):(\d+):(\d+)$`)

// absoluteTimeLayouts are the accepted absolute validity time formats.
var absoluteTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseValidityTime resolves a validity time: empty (ok=false), an absolute
// time, or a "days:hours:minutes" offset from now.
func ParseValidityTime(s string, now time.Time) (t time.Time, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	if m := relativeTime.FindStringSubmatch(s); m != nil {
		days, _ := strconv.Atoi(m[1])
		hours, _ := strconv.Atoi(m[2])
		minutes, _ := strconv.Atoi(m[3])
		d := time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
		return now.Add(d), true, nil
	}
	for _, layout := range absoluteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%q is neither an absolute time nor days:hours:minutes", s)
}

func (v *Validator) checkValidity(e *endentity.EndEntity, p *profile.Profile) error {
	now := v.clock.Now()
	var times [2]time.Time
	var set [2]bool
	for i, item := range []struct {
		id    catalog.FieldID
		value string
	}{
		{catalog.StartTime, e.Extended.StartTime},
		{catalog.EndTime, e.Extended.EndTime},
	} {
		if err := checkText(p, item.id, item.value); err != nil {
			return err
		}
		f, _ := catalog.ByID(item.id)
		t, ok, err := ParseValidityTime(item.value, now)
		if err != nil {
			return Reject(ReasonInvalidTimeWindow, f.Name, "%v", err)
		}
		times[i], set[i] = t, ok
	}
	if set[0] && set[1] && !times[0].Before(times[1]) {
		return Reject(ReasonInvalidTimeWindow, "ENDTIME", "end time must be after start time")
	}
	return nil
}
