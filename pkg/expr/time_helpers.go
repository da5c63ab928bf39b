package expr

import "time"

func durationFromSeconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func timeFromUnixSeconds(secs float64) time.Time {
	whole := int64(secs)
	frac := secs - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC()
}
