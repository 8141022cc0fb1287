package remind

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// ParseError rejects a user expression and names the token that broke it,
// so command handlers can echo it back.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.Token)
}

func parseErr(token, reason string) error {
	return &ParseError{Token: token, Reason: reason}
}

// unitRank orders duration units from largest to smallest. Tokens must
// appear in strictly descending order, which also rules out duplicates.
var unitRank = map[byte]int{'d': 4, 'h': 3, 'm': 2, 's': 1}

var unitDur = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseIn parses a relative reminder expression: a run of <integer><unit>
// tokens (d, h, m, s) in descending unit order, separated by at most one
// space, followed by the reminder message. "1d2h tea" and "1d 2h tea" are
// both valid. The message may be empty.
func ParseIn(raw string) (time.Duration, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", parseErr("", "empty duration expression")
	}

	var total time.Duration
	lastRank := int(^uint(0) >> 1) // max int
	i := 0
	for {
		tok, n, value, unit, err := scanDurationToken(s[i:])
		if err != nil {
			if total == 0 {
				return 0, "", err
			}
			break
		}
		rank := unitRank[unit]
		if rank >= lastRank {
			return 0, "", parseErr(tok, "units must appear once, largest first")
		}
		lastRank = rank
		// time.Duration counts nanoseconds in an int64; bound the multiply
		// and the running sum so huge values error instead of wrapping.
		if value > int64(math.MaxInt64)/int64(unitDur[unit]) {
			return 0, "", parseErr(tok, "duration value too large")
		}
		add := time.Duration(value) * unitDur[unit]
		if add > math.MaxInt64-total {
			return 0, "", parseErr(tok, "duration value too large")
		}
		total += add
		i += n

		if i >= len(s) {
			break
		}
		// One optional space between tokens. Anything that does not scan
		// as a smaller-unit token ends the duration prefix.
		j := i
		if s[j] == ' ' {
			j++
		}
		if _, _, _, _, err := scanDurationToken(s[j:]); err != nil {
			break
		}
		i = j
	}

	if total <= 0 {
		return 0, "", parseErr(s[:i], "duration must be greater than zero")
	}

	msg := s[i:]
	if msg != "" && !strings.HasPrefix(msg, " ") {
		return 0, "", parseErr(firstField(msg), "invalid duration token")
	}
	return total, strings.TrimSpace(msg), nil
}

// scanDurationToken reads one <integer><unit> token from the start of s.
// It returns the token text, its byte length, the integer value, and the
// unit letter.
func scanDurationToken(s string) (tok string, n int, value int64, unit byte, err error) {
	if s == "" {
		return "", 0, 0, 0, parseErr("", "expected a duration token")
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		value = value*10 + int64(s[i]-'0')
		i++
		if value > 1<<31 {
			return "", 0, 0, 0, parseErr(firstField(s), "duration value too large")
		}
	}
	if i == 0 {
		return "", 0, 0, 0, parseErr(firstField(s), "expected a number")
	}
	if i >= len(s) {
		return "", 0, 0, 0, parseErr(s, "missing duration unit")
	}
	u := s[i]
	if _, ok := unitRank[u]; !ok {
		return "", 0, 0, 0, parseErr(firstField(s), "unknown duration unit")
	}
	return s[:i+1], i + 1, value, u, nil
}

func firstField(s string) string {
	if idx := strings.IndexFunc(s, unicode.IsSpace); idx >= 0 {
		return s[:idx]
	}
	return s
}

// ParseAt parses an absolute reminder expression: a time of day (HH:MM or
// HH:MM:SS), a date (YYYY-MM-DD), or both in either order, followed by the
// reminder message. now must already be localized in the resolved timezone.
//
// A time of day that has already passed today rolls to tomorrow. A date
// without a time keeps the current time of day. An explicit date in the
// past is an error, no rollover applies.
func ParseAt(raw string, now time.Time) (time.Time, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, "", parseErr("", "empty time expression")
	}

	var (
		dateTok, timeTok string
		rest             = s
	)
	for k := 0; k < 2; k++ {
		field := firstField(rest)
		switch {
		case looksLikeDate(field):
			if dateTok != "" {
				return time.Time{}, "", parseErr(field, "date given twice")
			}
			dateTok = field
		case looksLikeTime(field):
			if timeTok != "" {
				return time.Time{}, "", parseErr(field, "time given twice")
			}
			timeTok = field
		default:
			if k == 0 {
				return time.Time{}, "", parseErr(field, "expected a time (HH:MM) or date (YYYY-MM-DD)")
			}
			field = ""
		}
		if field == "" {
			break
		}
		rest = strings.TrimLeft(rest[len(field):], " ")
	}

	loc := now.Location()

	hour, minute, sec := now.Hour(), now.Minute(), now.Second()
	if timeTok != "" {
		t, err := parseClock(timeTok)
		if err != nil {
			return time.Time{}, "", err
		}
		hour, minute, sec = t.Hour(), t.Minute(), t.Second()
	}

	year, month, day := now.Date()
	if dateTok != "" {
		d, err := time.ParseInLocation("2006-01-02", dateTok, loc)
		if err != nil {
			return time.Time{}, "", parseErr(dateTok, "invalid date")
		}
		year, month, day = d.Date()
	}

	due := time.Date(year, month, day, hour, minute, sec, 0, loc)
	if !due.After(now) {
		if dateTok == "" {
			// same wall-clock time tomorrow
			due = due.AddDate(0, 0, 1)
		} else {
			return time.Time{}, "", parseErr(strings.TrimSpace(dateTok+" "+timeTok), "reminder time is in the past")
		}
	}

	return due, rest, nil
}

func parseClock(tok string) (time.Time, error) {
	layout := "15:04"
	if len(tok) == 8 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, tok)
	if err != nil {
		return time.Time{}, parseErr(tok, "invalid time")
	}
	return t, nil
}

func looksLikeDate(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	return allDigits(s[:4]) && allDigits(s[5:7]) && allDigits(s[8:])
}

func looksLikeTime(s string) bool {
	switch len(s) {
	case 5:
		return s[2] == ':' && allDigits(s[:2]) && allDigits(s[3:])
	case 8:
		return s[2] == ':' && s[5] == ':' &&
			allDigits(s[:2]) && allDigits(s[3:5]) && allDigits(s[6:])
	default:
		return false
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
