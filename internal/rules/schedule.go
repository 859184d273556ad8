package rules

import (
	"fmt"
	"time"

	"github.com/stratsim/automation-engine/internal/model"
)

// Frequencies for scheduled rules.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

// ScheduleWindow is the band after a scheduled rule's anchor time during
// which the rule is allowed to fire.
const ScheduleWindow = 15 * time.Minute

// parseClock parses "HH:MM" into hour and minute.
func parseClock(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("rules: invalid clock time %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("rules: clock time %q out of range", s)
	}
	return hour, minute, nil
}

// windowStartOn returns the scheduled window start on t's calendar day.
func windowStartOn(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
}

// inWindow reports whether now falls inside [anchor, anchor+ScheduleWindow)
// on now's calendar day.
func inWindow(now time.Time, hour, minute int) bool {
	start := windowStartOn(now, hour, minute)
	return !now.Before(start) && now.Before(start.Add(ScheduleWindow))
}

// samePeriod reports whether a and b fall in the same calendar period.
func samePeriod(a, b time.Time, frequency string) bool {
	switch frequency {
	case FreqWeekly:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	case FreqMonthly:
		return a.Year() == b.Year() && a.Month() == b.Month()
	default: // daily
		return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
	}
}

// ranThisPeriod reports whether lastRun already covered the scheduled window
// in now's period. A lastRun earlier the same period but before that day's
// window start does not count — the window had not opened yet.
func ranThisPeriod(lastRun *time.Time, now time.Time, frequency string, hour, minute int) bool {
	if lastRun == nil {
		return false
	}
	if !samePeriod(*lastRun, now, frequency) {
		return false
	}
	return !lastRun.Before(windowStartOn(*lastRun, hour, minute))
}

// advancePeriod moves a window anchor forward by one frequency period.
func advancePeriod(anchor time.Time, frequency string) time.Time {
	switch frequency {
	case FreqWeekly:
		return anchor.AddDate(0, 0, 7)
	case FreqMonthly:
		return anchor.AddDate(0, 1, 0)
	default:
		return anchor.AddDate(0, 0, 1)
	}
}

// NextEligible computes the earliest instant at which the rule could fire
// again, as a pure function of (now, rule bookkeeping, config). Condition
// rules are re-checked every cycle regardless of how far the trigger
// condition currently is from firing; that per-cycle recheck is deliberate.
func NextEligible(rule *model.AutomationRule, now time.Time, cyclePeriod time.Duration) time.Time {
	switch rule.Type {
	case model.RuleScheduledRebalance:
		var cfg model.ScheduledRebalanceConfig
		if err := decodeConfig(rule, &cfg); err != nil {
			return now.Add(cyclePeriod)
		}
		hour, minute, err := parseClock(cfg.Time)
		if err != nil {
			return now.Add(cyclePeriod)
		}
		anchor := windowStartOn(now, hour, minute)
		if anchor.After(now) {
			return anchor
		}
		return advancePeriod(anchor, cfg.Frequency)

	case model.RuleAIAutoOptimize:
		var cfg model.AIOptimizeConfig
		if err := decodeConfig(rule, &cfg); err != nil {
			return now.Add(cyclePeriod)
		}
		next := now.Add(cyclePeriod)
		if rule.LastTriggeredAt != nil && cfg.FrequencyDays > 0 {
			if eligible := rule.LastTriggeredAt.AddDate(0, 0, cfg.FrequencyDays); eligible.After(next) {
				return eligible
			}
		}
		return next

	default:
		// Condition-based rules: threshold-deviation, stop-loss,
		// take-profit, position-limit.
		return now.Add(cyclePeriod)
	}
}
