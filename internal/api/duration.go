package api

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var durationNumber = regexp.MustCompile(`\d+`)

// durationDays accepts a JSON number of days or free text such as
// "7 days" or "2 weeks". Anything it cannot read becomes 0, which the
// registry rejects with a field error.
type durationDays int

func (d *durationDays) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = 0
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = durationDays(parseDurationText(s))
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		*d = 0
		return nil
	}
	if f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
		*d = 0
		return nil
	}
	*d = durationDays(int(f))
	return nil
}

// parseDurationText maps "N week(s)" to N*7 and "N day(s)" or a bare N to N.
func parseDurationText(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	m := durationNumber.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil || n > math.MaxInt32/7 {
		return 0
	}
	if strings.Contains(s, "week") {
		return n * 7
	}
	return n
}
