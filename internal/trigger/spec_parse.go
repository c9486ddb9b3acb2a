// Package trigger parses the schedule strings the daemon accepts and turns
// them into cron entries.
package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Daily time HH:MM: "00:05" (every day at 00:05 local)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "daily"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// CronSpec returns the spec string to hand to robfig/cron. Intervals become
// "@every" descriptors so one parser handles every form.
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// ParseSchedule parses a schedule string into either a cron expression or an
// interval duration. An HH:MM string becomes a daily cron entry.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	}
	if strings.HasPrefix(low, "every:") {
		v := strings.TrimSpace(s[len("every:"):])
		d, err := parseInterval(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	// Heuristics:
	// - any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	// - HH:MM => daily at that local time
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, mm, err := parseHHMM(m)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{
			Kind:   SpecCron,
			Cron:   fmt.Sprintf("%d %d * * *", mm, hh),
			Source: "daily",
		}, nil
	}

	// - Go duration => interval
	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', daily HH:MM like '00:05', or duration like '55m')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use a Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMM(m []string) (hh, mm int, err error) {
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm = int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if hh > 23 {
		return 0, 0, fmt.Errorf("invalid hours in %q", m[0])
	}
	if mm > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", m[0])
	}
	return hh, mm, nil
}
