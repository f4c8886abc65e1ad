package fees

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// TimeWindow is a clock-time range. Both bounds are inclusive; an "HH:MM" end
// covers the whole minute. A window whose start is later than its end wraps
// past midnight.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TimeConditions is the object form stored in FeeRule.TimeConditions
type TimeConditions struct {
	Windows []TimeWindow `json:"windows"`
}

// clockRange is a parsed window in seconds since midnight
type clockRange struct {
	from int
	to   int
}

func (r clockRange) contains(second int) bool {
	if r.from <= r.to {
		return second >= r.from && second <= r.to
	}
	return second >= r.from || second <= r.to
}

// ParseTimeConditions decodes either {"windows":[...]} or a bare window array
func ParseTimeConditions(raw json.RawMessage) ([]TimeWindow, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("time conditions are missing")
	}

	var windows []TimeWindow
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &windows); err != nil {
			return nil, fmt.Errorf("invalid time conditions: %w", err)
		}
	case '{':
		var tc TimeConditions
		if err := json.Unmarshal(trimmed, &tc); err != nil {
			return nil, fmt.Errorf("invalid time conditions: %w", err)
		}
		windows = tc.Windows
	default:
		return nil, errors.New("time conditions must be an object or an array of windows")
	}

	if len(windows) == 0 {
		return nil, errors.New("time conditions contain no windows")
	}
	if len(windows) > maxTimeWindows {
		return nil, fmt.Errorf("time conditions contain %d windows, maximum allowed is %d", len(windows), maxTimeWindows)
	}

	for i, w := range windows {
		if _, err := w.parse(); err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
	}
	return windows, nil
}

func (w TimeWindow) parse() (clockRange, error) {
	from, err := parseClock(w.Start, false)
	if err != nil {
		return clockRange{}, fmt.Errorf("start: %w", err)
	}
	to, err := parseClock(w.End, true)
	if err != nil {
		return clockRange{}, fmt.Errorf("end: %w", err)
	}
	return clockRange{from: from, to: to}, nil
}

// parseClock turns "HH:MM" or "HH:MM:SS" into seconds since midnight
func parseClock(s string, isEnd bool) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("clock time is empty")
	}
	if s == "24:00" || s == "24:00:00" {
		return secondsPerDay - 1, nil
	}

	if t, err := time.Parse("15:04:05", s); err == nil {
		return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("clock time %q must be HH:MM or HH:MM:SS", s)
	}
	sec := t.Hour()*3600 + t.Minute()*60
	if isEnd {
		sec += 59
	}
	return sec, nil
}

// secondOfDay returns the clock portion of t in loc
func secondOfDay(t time.Time, loc *time.Location) int {
	local := t.In(loc)
	return local.Hour()*3600 + local.Minute()*60 + local.Second()
}
