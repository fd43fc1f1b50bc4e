package redis

import (
	"strconv"
	"time"
)

// hashReader decodes typed values out of an HGETALL result. Missing or
// malformed fields decode to the zero value.
type hashReader map[string]string

func (h hashReader) str(f string) string { return h[f] }

func (h hashReader) float(f string) float64 {
	v, _ := strconv.ParseFloat(h[f], 64)
	return v
}

func (h hashReader) int(f string) int {
	v, _ := strconv.Atoi(h[f])
	return v
}

func (h hashReader) bool(f string) bool {
	return h[f] == "1"
}

func (h hashReader) time(f string) time.Time {
	v, err := strconv.ParseInt(h[f], 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}
