package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hiboss/hi-boss/internal/persistence"
)

// refreshReason decides whether the next run needs a fresh session and says
// why; "" keeps the current one. A queued manual request always wins. The
// policy triggers only apply to a live session, and daily resets are
// evaluated on the wall clock in loc.
func refreshReason(p *persistence.SessionPolicy, sess *agentSession, pending *refreshRequest, now time.Time, loc *time.Location) string {
	if pending != nil {
		if pending.reason != "" {
			return pending.reason
		}
		return "refresh requested"
	}
	if sess == nil || p == nil {
		return ""
	}
	if p.DailyResetAt != "" {
		if hh, mm, err := parseDailyReset(p.DailyResetAt); err == nil {
			local := now.In(loc)
			reset := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
			if reset.After(local) {
				reset = reset.AddDate(0, 0, -1)
			}
			if reset.After(sess.createdAt.In(loc)) {
				return "daily reset at " + p.DailyResetAt
			}
		}
	}
	if p.IdleTimeoutSeconds > 0 && !sess.lastRunDoneAt.IsZero() {
		idle := now.Sub(sess.lastRunDoneAt)
		if idle > time.Duration(p.IdleTimeoutSeconds)*time.Second {
			return fmt.Sprintf("idle for %s", idle.Truncate(time.Second))
		}
	}
	if p.MaxContextLength > 0 && sess.lastContext > p.MaxContextLength {
		return fmt.Sprintf("context length %d over the %d limit", sess.lastContext, p.MaxContextLength)
	}
	return ""
}

// parseDailyReset parses a 24h "HH:MM" wall-clock time.
func parseDailyReset(s string) (hh, mm int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("reset time %q: want HH:MM", s)
	}
	hh, err = strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("reset time %q: bad hour", s)
	}
	mm, err = strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("reset time %q: bad minute", s)
	}
	return hh, mm, nil
}

// ValidateDailyReset reports whether s is an acceptable dailyResetAt value.
// The RPC layer calls it before persisting a session policy.
func ValidateDailyReset(s string) error {
	_, _, err := parseDailyReset(s)
	return err
}
