package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"
)

// Window is a recurring period in which transitions may run. Schedule is a
// five field cron expression for the window start.
type Window struct {
	Schedule string
	Duration time.Duration
	Timezone string
}

func (w Window) String() string {
	s := w.Schedule + "|" + w.Duration.String()
	if w.Timezone != "" {
		s += "|" + w.Timezone
	}
	return s
}

// ParseWindows reads windows in the form "schedule|duration[|timezone]",
// separated by ";". For example "0 22 * * *|8h|Europe/Berlin".
func ParseWindows(value string) ([]Window, error) {
	var windows []Window
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid window %q: want schedule|duration[|timezone]", entry)
		}
		d, err := time.ParseDuration(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid duration in window %q: %w", entry, err)
		}
		w := Window{Schedule: strings.TrimSpace(parts[0]), Duration: d}
		if len(parts) == 3 {
			w.Timezone = strings.TrimSpace(parts[2])
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// WindowChecker decides whether a point in time falls into a window
type WindowChecker struct {
	parser  cron.Parser
	windows []Window
}

// NewWindowChecker validates the windows. No windows means always open.
func NewWindowChecker(windows []Window) (*WindowChecker, error) {
	m := &WindowChecker{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		windows: windows,
	}
	for _, w := range windows {
		if err := m.validate(w); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IsOpen reports whether now lies within any window
func (m *WindowChecker) IsOpen(now time.Time) bool {
	if m == nil || len(m.windows) == 0 {
		return true
	}
	for _, window := range m.windows {
		if m.isInWindow(window, now) {
			return true
		}
	}
	return false
}

// NextOpen returns the next window start after now, or nil without windows
func (m *WindowChecker) NextOpen(now time.Time) *time.Time {
	if m == nil {
		return nil
	}
	var next *time.Time
	for _, window := range m.windows {
		start := m.nextStart(window, now)
		if start != nil && (next == nil || start.Before(*next)) {
			next = start
		}
	}
	return next
}

func (m *WindowChecker) isInWindow(window Window, now time.Time) bool {
	location, err := getLocation(window.Timezone)
	if err != nil {
		klog.Warningf("Invalid timezone %s, using UTC: %v", window.Timezone, err)
		location = time.UTC
	}
	nowInTz := now.In(location)

	schedule, err := m.parser.Parse(window.Schedule)
	if err != nil {
		klog.Warningf("Invalid cron schedule %s: %v", window.Schedule, err)
		return false
	}

	// walk every start that could still cover now
	start := schedule.Next(nowInTz.Add(-window.Duration - time.Minute))
	for !start.IsZero() && !start.After(nowInTz) {
		if nowInTz.Before(start.Add(window.Duration)) {
			klog.V(4).Infof("Inside transition window %s - %s",
				start.Format(time.RFC3339), start.Add(window.Duration).Format(time.RFC3339))
			return true
		}
		start = schedule.Next(start)
	}
	return false
}

func (m *WindowChecker) nextStart(window Window, now time.Time) *time.Time {
	location, err := getLocation(window.Timezone)
	if err != nil {
		location = time.UTC
	}
	schedule, err := m.parser.Parse(window.Schedule)
	if err != nil {
		return nil
	}
	next := schedule.Next(now.In(location))
	if next.IsZero() {
		return nil
	}
	return &next
}

func (m *WindowChecker) validate(window Window) error {
	schedule, err := m.parser.Parse(window.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %s: %v", window.Schedule, err)
	}
	// cron yields the zero time for schedules that never fire, like 30 February
	if schedule.Next(time.Now()).IsZero() {
		return fmt.Errorf("cron schedule %s never fires", window.Schedule)
	}
	if window.Duration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", window.Duration)
	}
	if window.Timezone != "" {
		if _, err := time.LoadLocation(window.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %s: %v", window.Timezone, err)
		}
	}
	return nil
}

func getLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}
