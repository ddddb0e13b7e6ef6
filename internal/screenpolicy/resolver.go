// Package screenpolicy computes the authoritative screen-lock
// classification from server work-time fields and local signals.
// Everything in this package is a pure function over its inputs.
package screenpolicy

import (
	"strings"
	"time"

	"github.com/deskguard/agent/internal/domain"
)

// ScreenType is the authoritative screen classification.
type ScreenType string

const (
	// ScreenOff means the workstation must be locked.
	ScreenOff ScreenType = "off"
	// ScreenBefore means the work day has not started yet.
	ScreenBefore ScreenType = "before"
	// ScreenEmpty means a leave-seat condition is in effect.
	ScreenEmpty ScreenType = "empty"
)

// LeaveSeatPolicy is the derived leave-seat decision for display and
// reason gating.
type LeaveSeatPolicy struct {
	IsLeaveSeat   bool
	IsBreakTime   bool
	RequireReason bool
	DetectedAt    string // HH:mm for display, empty if unknown
}

// ResolveScreenType combines server policy fields with the local
// leave-seat signal into one classification.
//
// A parseable renewal timestamp overrides everything else, including
// local leave-seat detection: a hard day-boundary reset takes
// precedence. Before the renewal instant the screen is off, at or after
// it the day flips to before. Absent a renewal, a server-reported
// before/off is trusted verbatim, then local detection forces empty,
// then a server-reported empty is honored. The fail-closed default is
// off.
func ResolveScreenType(fields *domain.WorkTimePolicy, now time.Time, leaveSeatDetected bool) ScreenType {
	if fields == nil {
		return ScreenOff
	}

	if renewal, ok := parseCompactTime(fields.RenewalAt, now); ok {
		if now.Before(renewal) {
			return ScreenOff
		}
		return ScreenBefore
	}

	switch ScreenType(fields.ScreenType) {
	case ScreenBefore:
		return ScreenBefore
	case ScreenOff:
		return ScreenOff
	}

	if leaveSeatDetected {
		return ScreenEmpty
	}

	if ScreenType(fields.ScreenType) == ScreenEmpty {
		return ScreenEmpty
	}

	return ScreenOff
}

// CalcLeaveSeatPolicy derives the leave-seat flags from the policy
// fields. Break time is an unconditional reason exemption regardless of
// the reason policy flags.
func CalcLeaveSeatPolicy(fields *domain.WorkTimePolicy, now time.Time) LeaveSeatPolicy {
	if fields == nil {
		return LeaveSeatPolicy{}
	}

	p := LeaveSeatPolicy{
		IsLeaveSeat: ScreenType(fields.ScreenType) == ScreenEmpty,
		IsBreakTime: inBreakWindow(fields.BreakStart, fields.BreakEnd, now),
	}

	p.RequireReason = p.IsLeaveSeat &&
		isYes(fields.LeaveSeatReason) &&
		isYes(fields.LeaveSeatReasonMan) &&
		!p.IsBreakTime

	if detected, ok := parseCompactTime(fields.LeaveSeatDetectedAt, now); ok {
		p.DetectedAt = detected.Format("15:04")
	}

	return p
}

// inBreakWindow reports whether now falls within [start, end).
func inBreakWindow(start, end string, now time.Time) bool {
	from, okFrom := parseCompactTime(start, now)
	to, okTo := parseCompactTime(end, now)
	if !okFrom || !okTo {
		return false
	}
	return !now.Before(from) && now.Before(to)
}

// parseCompactTime parses the service's compact timestamp formats:
// "HHmm" is a time of day on now's date, "YYYYMMDDHHmm" and
// "YYYYMMDDHHmmss" are full instants. All are interpreted in now's
// location.
func parseCompactTime(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	loc := now.Location()

	switch len(s) {
	case 4:
		t, err := time.ParseInLocation("1504", s, loc)
		if err != nil {
			return time.Time{}, false
		}
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
	case 12:
		t, err := time.ParseInLocation("200601021504", s, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case 14:
		t, err := time.ParseInLocation("20060102150405", s, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// isYes interprets the service's yes/no policy flags.
func isYes(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "Y", "YES":
		return true
	default:
		return false
	}
}
