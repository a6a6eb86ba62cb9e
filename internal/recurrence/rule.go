package recurrence

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a recurrence rule.
//
// We intentionally keep this small: either a fixed interval or a
// day-of-week + time-of-day set.
type Kind int

const (
	KindInterval Kind = iota
	KindWeekly
)

// Rule is a parsed recurrence rule.
//
// Supported encodings:
//   - Interval: "every:30m", "every:1h30m", "every:24h" (bare "30m" also accepted)
//   - Weekly:   "days:mon,wed@09:30" or "days:mon,wed,fri@09:30,18:00"
//
// A Rule is immutable after ParseRule; weekly rules carry one compiled
// cron schedule per time-of-day for Next() computation.
type Rule struct {
	Kind  Kind
	Every time.Duration
	Days  []time.Weekday
	Times []TimeOfDay

	schedules []cron.Schedule
}

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

var reTimeOfDay = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// cronDays matches robfig/cron's day-of-week names.
var cronDays = [...]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// ParseRule parses and validates a rule encoding. Zero or negative intervals
// and empty day/time sets are configuration errors, rejected here rather
// than at expansion time.
func ParseRule(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, fmt.Errorf("recurrence rule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "days:"):
		return parseWeekly(strings.TrimSpace(s[len("days:"):]))
	}

	// Bare Go duration => interval.
	if _, err := time.ParseDuration(s); err == nil {
		return parseInterval(s)
	}

	return Rule{}, fmt.Errorf(
		"invalid recurrence rule %q (use 'every:30m' or 'days:mon,wed@09:30')", raw)
}

func parseInterval(v string) (Rule, error) {
	if v == "" {
		return Rule{}, fmt.Errorf("interval required after 'every:'")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Rule{}, fmt.Errorf("interval must be > 0, got %q", v)
	}
	if d < time.Minute {
		return Rule{}, fmt.Errorf("interval must be at least 1m, got %q", v)
	}
	return Rule{Kind: KindInterval, Every: d}, nil
}

func parseWeekly(v string) (Rule, error) {
	daysPart, timesPart, ok := strings.Cut(v, "@")
	if !ok {
		return Rule{}, fmt.Errorf("weekly rule needs '@HH:MM', got %q", v)
	}

	var days []time.Weekday
	seen := map[time.Weekday]bool{}
	for _, d := range strings.Split(daysPart, ",") {
		name := strings.ToLower(strings.TrimSpace(d))
		wd, ok := dayNames[name]
		if !ok {
			return Rule{}, fmt.Errorf("unknown weekday %q (use mon..sun)", d)
		}
		if !seen[wd] {
			seen[wd] = true
			days = append(days, wd)
		}
	}
	if len(days) == 0 {
		return Rule{}, fmt.Errorf("weekly rule needs at least one weekday")
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	var times []TimeOfDay
	seenT := map[TimeOfDay]bool{}
	for _, t := range strings.Split(timesPart, ",") {
		m := reTimeOfDay.FindStringSubmatch(strings.TrimSpace(t))
		if m == nil {
			return Rule{}, fmt.Errorf("invalid time of day %q (use HH:MM)", t)
		}
		hh := int(m[1][0] - '0')
		if len(m[1]) == 2 {
			hh = hh*10 + int(m[1][1]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if hh > 23 || mm > 59 {
			return Rule{}, fmt.Errorf("time of day %q out of range", t)
		}
		tod := TimeOfDay{Hour: hh, Minute: mm}
		if !seenT[tod] {
			seenT[tod] = true
			times = append(times, tod)
		}
	}
	if len(times) == 0 {
		return Rule{}, fmt.Errorf("weekly rule needs at least one time of day")
	}
	sort.Slice(times, func(i, j int) bool {
		if times[i].Hour != times[j].Hour {
			return times[i].Hour < times[j].Hour
		}
		return times[i].Minute < times[j].Minute
	})

	r := Rule{Kind: KindWeekly, Days: days, Times: times}
	if err := r.compile(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// compile builds one cron schedule per time-of-day. Using the cron parser
// keeps weekday/DST arithmetic out of this package.
func (r *Rule) compile() error {
	names := make([]string, len(r.Days))
	for i, d := range r.Days {
		names[i] = cronDays[int(d)]
	}
	dow := strings.Join(names, ",")

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	r.schedules = r.schedules[:0]
	for _, tod := range r.Times {
		spec := fmt.Sprintf("%d %d * * %s", tod.Minute, tod.Hour, dow)
		sched, err := parser.Parse(spec)
		if err != nil {
			return fmt.Errorf("compile weekly rule: %w", err)
		}
		r.schedules = append(r.schedules, sched)
	}
	return nil
}

// String returns the canonical encoding, round-trippable through ParseRule.
func (r Rule) String() string {
	switch r.Kind {
	case KindInterval:
		return "every:" + r.Every.String()
	case KindWeekly:
		days := make([]string, len(r.Days))
		for i, d := range r.Days {
			days[i] = strings.ToLower(cronDays[int(d)])
		}
		times := make([]string, len(r.Times))
		for i, t := range r.Times {
			times[i] = t.String()
		}
		return "days:" + strings.Join(days, ",") + "@" + strings.Join(times, ",")
	}
	return ""
}
