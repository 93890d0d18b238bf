package workflow

import "time"

// DeadlineCalculator maps a state to its SLA budget and absolute deadline.
type DeadlineCalculator struct {
	hours        map[State]int
	defaultHours int
}

func NewDeadlineCalculator(p *Policy) *DeadlineCalculator {
	hours := make(map[State]int, len(p.SLAHours))
	for k, v := range p.SLAHours {
		hours[k] = v
	}
	return &DeadlineCalculator{hours: hours, defaultHours: p.DefaultSLAHours}
}

// SLAHours returns the configured budget for s, falling back to the default.
func (d *DeadlineCalculator) SLAHours(s State) int {
	if s.IsTerminal() {
		return 0
	}
	if h, ok := d.hours[s]; ok {
		return h
	}
	return d.defaultHours
}

// Deadline returns from + SLAHours(s), or nil when s carries no SLA.
func (d *DeadlineCalculator) Deadline(s State, from time.Time) *time.Time {
	h := d.SLAHours(s)
	if h <= 0 {
		return nil
	}
	t := from.Add(time.Duration(h) * time.Hour)
	return &t
}
