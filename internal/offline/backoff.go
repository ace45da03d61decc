package offline

import "time"

// Delay returns the wait before reconnection attempt n (1-indexed). With
// exponential backoff the delay doubles per attempt and is capped at max;
// otherwise it is the constant base delay.
func Delay(base, max time.Duration, exponential bool, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !exponential {
		return base
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
