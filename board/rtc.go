package board

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RtcTuple mirrors the RP2 RTC datetime tuple
// (year, month, day, weekday, hour, minute, second, 0)
// where weekday runs 0=Monday through 6=Sunday.
type RtcTuple struct {
	Year    int
	Month   int
	Day     int
	Weekday int
	Hour    int
	Minute  int
	Second  int
}

// TimeToRp2Datetime converts a civil time to the board's RTC tuple,
// truncating to whole seconds.
func TimeToRp2Datetime(t time.Time) RtcTuple {
	return RtcTuple{
		Year:    t.Year(),
		Month:   int(t.Month()),
		Day:     t.Day(),
		Weekday: (int(t.Weekday()) + 6) % 7,
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
	}
}

// Rp2DatetimeToTime converts an RTC tuple back to a civil time in the local
// zone. The tuple's weekday field is derived state and ignored.
func Rp2DatetimeToTime(tuple RtcTuple) time.Time {
	return time.Date(tuple.Year, time.Month(tuple.Month), tuple.Day,
		tuple.Hour, tuple.Minute, tuple.Second, 0, time.Local)
}

// String renders the tuple exactly the way the helper prints it.
func (r RtcTuple) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d, %d, %d, %d, 0)",
		r.Year, r.Month, r.Day, r.Weekday, r.Hour, r.Minute, r.Second)
}

// ParseRtcTuple parses the helper's RTC reply. Returns nil when the payload
// is not a well-formed tuple of at least seven fields.
func ParseRtcTuple(s string) *time.Time {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil
	}

	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) < 7 {
		return nil
	}

	nums := make([]int, 7)
	for i := 0; i < 7; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return nil
		}
		nums[i] = n
	}

	tuple := RtcTuple{
		Year:    nums[0],
		Month:   nums[1],
		Day:     nums[2],
		Weekday: nums[3],
		Hour:    nums[4],
		Minute:  nums[5],
		Second:  nums[6],
	}
	if tuple.Month < 1 || tuple.Month > 12 || tuple.Day < 1 || tuple.Day > 31 {
		return nil
	}

	t := Rp2DatetimeToTime(tuple)
	return &t
}
