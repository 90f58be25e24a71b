package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Session is a daily trading window. End before Start wraps past
// midnight.
type Session struct {
	Start time.Duration // offset from midnight
	End   time.Duration
}

// ParseSession reads "HH:MM-HH:MM" or "HH:MM:SS-HH:MM:SS".
func ParseSession(s string) (Session, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Session{}, fmt.Errorf("strategy: bad session %q", s)
	}
	start, err := clock(from)
	if err != nil {
		return Session{}, err
	}
	end, err := clock(to)
	if err != nil {
		return Session{}, err
	}
	return Session{Start: start, End: end}, nil
}

func clock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("strategy: bad session time %q", s)
}

// Contains reports whether the time of day of t falls in the window,
// bounds included.
func (s Session) Contains(t time.Time) bool {
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if s.Start <= s.End {
		return tod >= s.Start && tod <= s.End
	}
	return tod >= s.Start || tod <= s.End
}

// InSessions reports whether t falls in any session. No sessions means
// always.
func InSessions(sessions []Session, t time.Time) bool {
	if len(sessions) == 0 {
		return true
	}
	for _, s := range sessions {
		if s.Contains(t) {
			return true
		}
	}
	return false
}
