package lopata

import (
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a parsed five-field cron expression. Day-of-month and
// day-of-week combine the traditional way: when both are restricted a
// time matches if either field matches.
type CronSchedule struct {
	expr string

	minutes uint64
	hours   uint64
	months  uint64

	domAny   bool
	dom      uint64
	domLast  bool
	domWeek  []int // days whose nearest weekday matches, e.g. 15W
	lastWeek bool  // LW

	dowAny  bool
	dow     uint64
	dowLast []int         // weekdays matching only in the month's last week
	dowNth  map[int][]int // weekday -> occurrences, e.g. 5#3
}

// String returns the original expression.
func (s *CronSchedule) String() string { return s.expr }

var cronAliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var cronMonthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var cronDayNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// ParseCron parses a five-field cron expression or an @alias. Month and
// weekday names, ranges, steps, lists and the L, W and # extensions are
// supported.
func ParseCron(expr string) (*CronSchedule, error) {
	original := strings.TrimSpace(expr)
	spec := original
	if strings.HasPrefix(spec, "@") {
		alias, ok := cronAliases[strings.ToLower(spec)]
		if !ok {
			return nil, errValidation("cron: unknown alias %q", spec)
		}
		spec = alias
	}
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return nil, errValidation("cron: expected 5 fields, got %d in %q", len(fields), original)
	}

	s := &CronSchedule{expr: original, dowNth: make(map[int][]int)}
	var err error
	if s.minutes, err = parseCronField(fields[0], 0, 59, nil); err != nil {
		return nil, errValidation("cron: minute field: %v", err)
	}
	if s.hours, err = parseCronField(fields[1], 0, 23, nil); err != nil {
		return nil, errValidation("cron: hour field: %v", err)
	}
	if err = s.parseDOM(fields[2]); err != nil {
		return nil, errValidation("cron: day-of-month field: %v", err)
	}
	if s.months, err = parseCronField(fields[3], 1, 12, cronMonthNames); err != nil {
		return nil, errValidation("cron: month field: %v", err)
	}
	if err = s.parseDOW(fields[4]); err != nil {
		return nil, errValidation("cron: day-of-week field: %v", err)
	}
	return s, nil
}

func (s *CronSchedule) parseDOM(field string) error {
	if field == "*" || field == "?" {
		s.domAny = true
		return nil
	}
	for _, part := range strings.Split(field, ",") {
		upper := strings.ToUpper(part)
		switch {
		case upper == "L":
			s.domLast = true
		case upper == "LW":
			s.lastWeek = true
		case strings.HasSuffix(upper, "W"):
			day, err := strconv.Atoi(strings.TrimSuffix(upper, "W"))
			if err != nil || day < 1 || day > 31 {
				return errValidation("bad weekday-of form %q", part)
			}
			s.domWeek = append(s.domWeek, day)
		default:
			bits, err := parseCronField(part, 1, 31, nil)
			if err != nil {
				return err
			}
			s.dom |= bits
		}
	}
	return nil
}

func (s *CronSchedule) parseDOW(field string) error {
	if field == "*" || field == "?" {
		s.dowAny = true
		return nil
	}
	for _, part := range strings.Split(field, ",") {
		upper := strings.ToUpper(part)
		switch {
		case strings.Contains(upper, "#"):
			wd, nth, ok := strings.Cut(upper, "#")
			day, err1 := parseCronValue(wd, cronDayNames)
			n, err2 := strconv.Atoi(nth)
			if !ok || err1 != nil || err2 != nil || n < 1 || n > 5 {
				return errValidation("bad nth-weekday form %q", part)
			}
			day = day % 7
			s.dowNth[day] = append(s.dowNth[day], n)
		case strings.HasSuffix(upper, "L") && upper != "L":
			day, err := parseCronValue(strings.TrimSuffix(upper, "L"), cronDayNames)
			if err != nil {
				return errValidation("bad last-weekday form %q", part)
			}
			s.dowLast = append(s.dowLast, day%7)
		case upper == "L":
			// Bare L in the weekday field means Saturday.
			s.dow |= 1 << 6
		default:
			bits, err := parseCronField(part, 0, 7, cronDayNames)
			if err != nil {
				return err
			}
			// 7 is an alias for Sunday.
			if bits&(1<<7) != 0 {
				bits = (bits &^ (1 << 7)) | 1
			}
			s.dow |= bits
		}
	}
	return nil
}

// parseCronField handles lists of values, ranges and steps within one
// field, returning a bitmask.
func parseCronField(field string, min, max int, names map[string]int) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(field, ",") {
		rangePart, stepPart, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n < 1 {
				return 0, errValidation("bad step in %q", part)
			}
			step = n
		}
		lo, hi := min, max
		if rangePart != "*" {
			if from, to, isRange := strings.Cut(rangePart, "-"); isRange {
				var err1, err2 error
				lo, err1 = parseCronValue(from, names)
				hi, err2 = parseCronValue(to, names)
				if err1 != nil || err2 != nil {
					return 0, errValidation("bad range %q", part)
				}
			} else {
				v, err := parseCronValue(rangePart, names)
				if err != nil {
					return 0, err
				}
				lo, hi = v, v
				if hasStep {
					hi = max
				}
			}
		}
		if lo < min || hi > max || lo > hi {
			return 0, errValidation("value out of range %d-%d in %q", min, max, part)
		}
		for v := lo; v <= hi; v += step {
			bits |= 1 << uint(v)
		}
	}
	return bits, nil
}

func parseCronValue(s string, names map[string]int) (int, error) {
	if names != nil {
		if v, ok := names[strings.ToUpper(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errValidation("bad value %q", s)
	}
	return v, nil
}

// Matches reports whether the schedule fires at t, evaluated in UTC
// with seconds ignored.
func (s *CronSchedule) Matches(t time.Time) bool {
	t = t.UTC()
	if s.minutes&(1<<uint(t.Minute())) == 0 {
		return false
	}
	if s.hours&(1<<uint(t.Hour())) == 0 {
		return false
	}
	if s.months&(1<<uint(int(t.Month()))) == 0 {
		return false
	}

	domMatch := s.matchesDOM(t)
	dowMatch := s.matchesDOW(t)
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dowMatch
	case s.dowAny:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func (s *CronSchedule) matchesDOM(t time.Time) bool {
	if s.domAny {
		return true
	}
	day := t.Day()
	if s.dom&(1<<uint(day)) != 0 {
		return true
	}
	last := lastDayOfMonth(t)
	if s.domLast && day == last {
		return true
	}
	if s.lastWeek && day == nearestWeekday(t, last) {
		return true
	}
	for _, target := range s.domWeek {
		if target > last {
			target = last
		}
		if day == nearestWeekday(t, target) {
			return true
		}
	}
	return false
}

func (s *CronSchedule) matchesDOW(t time.Time) bool {
	if s.dowAny {
		return true
	}
	wd := int(t.Weekday())
	if s.dow&(1<<uint(wd)) != 0 {
		return true
	}
	day := t.Day()
	for _, lastWD := range s.dowLast {
		if wd == lastWD && day+7 > lastDayOfMonth(t) {
			return true
		}
	}
	for _, n := range s.dowNth[wd] {
		if (day-1)/7+1 == n {
			return true
		}
	}
	return false
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).
		AddDate(0, 1, -1).Day()
}

// nearestWeekday resolves day to the closest Monday-Friday within the
// same month.
func nearestWeekday(t time.Time, day int) int {
	d := time.Date(t.Year(), t.Month(), day, 0, 0, 0, 0, time.UTC)
	switch d.Weekday() {
	case time.Saturday:
		if day > 1 {
			return day - 1
		}
		return day + 2
	case time.Sunday:
		if day < lastDayOfMonth(t) {
			return day + 1
		}
		return day - 2
	default:
		return day
	}
}
