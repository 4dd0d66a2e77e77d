package marketstatus

import "time"

// NthWeekday returns the date of the n-th occurrence of weekday in the given
// month/year. n=-1 means the last occurrence. Grounded on the
// rule-based-holiday resolution in aristath-sentinel's market_hours service.
func NthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	if n > 0 {
		first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		offset := (int(weekday) - int(first.Weekday()) + 7) % 7
		return first.AddDate(0, 0, offset+7*(n-1))
	}

	// last occurrence: start from the last day of the month and walk back.
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	last := firstOfNext.AddDate(0, 0, -1)
	offset := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// CalculateEaster computes the date of Easter Sunday for year using the
// anonymous Gregorian algorithm.
func CalculateEaster(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// DateKeysAround formats a time.Time and its neighboring offsets (in days)
// as "2006-01-02" keys suitable for a MarketConfig.Holidays set, used when
// building an observed-on-weekday holiday (e.g. a Saturday holiday observed
// the preceding Friday).
func DateKeysAround(t time.Time, offsetsDays ...int) []string {
	keys := make([]string, 0, len(offsetsDays)+1)
	keys = append(keys, t.Format("2006-01-02"))
	for _, off := range offsetsDays {
		keys = append(keys, t.AddDate(0, 0, off).Format("2006-01-02"))
	}
	return keys
}
