// Package profile implements the Profile Enforcer (spec.md §4.7): the
// availability, fatigue, and pre-trust sub-decisions composed into a
// single can_approve verdict.
package profile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ha2ha/ha2ha-core/internal/contracts"
)

// AvailabilityResult is the outcome of evaluating an Availability policy
// at a point in time.
type AvailabilityResult struct {
	Allowed          bool
	Warning          string
	SuggestedAction  contracts.OffHoursBehavior
	NextAvailableAt  *time.Time
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("profile: invalid HH:MM value %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("profile: invalid hour in %q: %w", s, err)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("profile: invalid minute in %q: %w", s, err)
	}
	return hour, minute, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("profile: loading timezone %q: %w", tz, err)
	}
	return loc, nil
}

// withinWindow reports whether now's time-of-day falls in [start, end) in
// loc, correctly handling windows that wrap past midnight (end < start).
func withinWindow(now time.Time, loc *time.Location, startHHMM, endHHMM string) (bool, error) {
	local := now.In(loc)
	sh, sm, err := parseHHMM(startHHMM)
	if err != nil {
		return false, err
	}
	eh, em, err := parseHHMM(endHHMM)
	if err != nil {
		return false, err
	}
	nowMinutes := local.Hour()*60 + local.Minute()
	startMinutes := sh*60 + sm
	endMinutes := eh*60 + em

	if startMinutes <= endMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes, nil
	}
	// Overnight wrap: e.g. 22:00-06:00.
	return nowMinutes >= startMinutes || nowMinutes < endMinutes, nil
}

var dayNames = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func dayMatches(window string, weekday time.Weekday) bool {
	if window == "*" || window == "" {
		return true
	}
	return strings.EqualFold(window, dayNames[int(weekday)])
}

// EvaluateAvailability implements spec.md §4.7's three availability modes.
func EvaluateAvailability(a contracts.Availability, now time.Time) (AvailabilityResult, error) {
	switch a.Mode {
	case contracts.AvailabilityAlways, "":
		return AvailabilityResult{Allowed: true}, nil

	case contracts.AvailabilityWakingHours:
		loc, err := loadLocation(a.Timezone)
		if err != nil {
			return AvailabilityResult{}, err
		}
		inWindow, err := withinWindow(now, loc, a.Wake, a.Sleep)
		if err != nil {
			return AvailabilityResult{}, err
		}
		if inWindow {
			return AvailabilityResult{Allowed: true}, nil
		}
		if a.Strict {
			return AvailabilityResult{Allowed: false, Warning: "outside declared waking hours"}, nil
		}
		// waking_hours is soft by default: discouraged but not blocked.
		return AvailabilityResult{Allowed: true, Warning: "outside declared waking hours"}, nil

	case contracts.AvailabilityScheduled:
		loc, err := loadLocation(a.Timezone)
		if err != nil {
			return AvailabilityResult{}, err
		}
		local := now.In(loc)
		for _, w := range a.Windows {
			if !dayMatches(w.Day, local.Weekday()) {
				continue
			}
			inWindow, err := withinWindow(now, loc, w.Start, w.End)
			if err != nil {
				return AvailabilityResult{}, err
			}
			if inWindow {
				return AvailabilityResult{Allowed: true}, nil
			}
		}
		next := nextAvailableInstant(a.Windows, local, loc)
		return AvailabilityResult{
			Allowed:         false,
			NextAvailableAt: next,
		}, nil

	default:
		return AvailabilityResult{}, fmt.Errorf("profile: unknown availability mode %q", a.Mode)
	}
}

// nextAvailableInstant scans forward day by day (up to one week) to find
// the next window start.
func nextAvailableInstant(windows []contracts.ScheduleWindow, from time.Time, loc *time.Location) *time.Time {
	for dayOffset := 0; dayOffset < 8; dayOffset++ {
		candidateDay := from.AddDate(0, 0, dayOffset)
		for _, w := range windows {
			if !dayMatches(w.Day, candidateDay.Weekday()) {
				continue
			}
			sh, sm, err := parseHHMM(w.Start)
			if err != nil {
				continue
			}
			candidate := time.Date(candidateDay.Year(), candidateDay.Month(), candidateDay.Day(), sh, sm, 0, 0, loc)
			if candidate.After(from) || (dayOffset == 0 && candidate.Equal(from)) {
				return &candidate
			}
			if dayOffset > 0 {
				return &candidate
			}
		}
	}
	return nil
}

// FatigueResult reports whether an approver's rolling-window approval
// count has reached its configured limit.
type FatigueResult struct {
	Count    int
	Limit    int
	Exceeded bool
}

// EvaluateFatigue counts approvals within the past hour of now and
// compares against limit (0 = no limit configured). Fatigue never
// refuses on its own — it only reports.
func EvaluateFatigue(approvalTimes []time.Time, limit int, now time.Time) FatigueResult {
	if limit <= 0 {
		return FatigueResult{Limit: 0}
	}
	cutoff := now.Add(-time.Hour)
	count := 0
	for _, t := range approvalTimes {
		if t.After(cutoff) && !t.After(now) {
			count++
		}
	}
	return FatigueResult{Count: count, Limit: limit, Exceeded: count >= limit}
}

// ResolvePreTrust matches name and/or peerID against the profile's
// pre-trusted list, returning the mapped trust level.
func ResolvePreTrust(entities []contracts.PreTrustedEntity, name, peerID string) (contracts.TrustLevel, bool) {
	for _, e := range entities {
		if (e.Name != "" && e.Name == name) || (e.PeerID != "" && e.PeerID == peerID) {
			return e.Level.Clamp(), true
		}
	}
	return 0, false
}

// TrustSetter is the minimal trust-registry surface the pre-trust
// resolution writes through: first-contact only, existing entries are
// never overwritten.
type TrustSetter interface {
	Context(peer string) (contracts.TrustContext, bool)
	SetLevel(peer string, level contracts.TrustLevel, approver, details string) (contracts.TrustEntry, error)
}

// ApplyPreTrust resolves name/peerID against entities and, if matched and
// the registry has no existing entry for peerID, sets it to the mapped
// level.
func ApplyPreTrust(registry TrustSetter, entities []contracts.PreTrustedEntity, name, peerID string) (contracts.TrustLevel, bool, error) {
	level, matched := ResolvePreTrust(entities, name, peerID)
	if !matched {
		return 0, false, nil
	}
	if _, exists := registry.Context(peerID); exists {
		return level, true, nil
	}
	if _, err := registry.SetLevel(peerID, level, "system:pre_trust", "resolved from approver profile pre_trusted list"); err != nil {
		return 0, false, err
	}
	return level, true, nil
}

// Decision is the combined can_approve verdict (spec.md §4.7).
type Decision struct {
	Allowed         bool
	Warnings        []string
	SuggestedAction contracts.OffHoursBehavior
	NextAvailableAt *time.Time
	Fatigue         FatigueResult
}

// CanApprove composes availability and fatigue into the combined verdict.
func CanApprove(p contracts.ApproverProfile, approvalTimes []time.Time, now time.Time) (Decision, error) {
	avail, err := EvaluateAvailability(p.Availability, now)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: avail.Allowed, NextAvailableAt: avail.NextAvailableAt}
	if avail.Warning != "" {
		d.Warnings = append(d.Warnings, avail.Warning)
	}
	if !avail.Allowed {
		d.SuggestedAction = p.OffHoursBehavior
		if d.SuggestedAction == "" {
			d.SuggestedAction = contracts.OffHoursQueue
		}
	}

	d.Fatigue = EvaluateFatigue(approvalTimes, p.FatigueLimit, now)
	if d.Fatigue.Exceeded {
		d.Warnings = append(d.Warnings, fmt.Sprintf("fatigue limit reached: %d approvals in the past hour (limit %d)", d.Fatigue.Count, d.Fatigue.Limit))
	}

	sort.Strings(d.Warnings)
	return d, nil
}
