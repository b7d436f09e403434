package master

const (
	// busyPercent and spareWorkers are the thresholds above which the pool grows.
	busyPercent  = 90
	spareWorkers = 2
	growStep     = 2
)

// Autoscale returns the pool size wanted for the current load. When the
// pool is nearly saturated it grows by two, otherwise it falls back to min;
// callers only act on growth and let idle workers age out on their own.
func Autoscale(min, max, workers, jobs int) int {
	target := min
	if jobs > 0 && workers > 0 {
		running := jobs * 100 / workers
		idle := workers - jobs
		if running > busyPercent || idle <= spareWorkers {
			target = workers + growStep
		}
	} else if jobs > 0 {
		target = growStep
	}

	if target > max {
		target = max
	}
	if target < min {
		target = min
	}
	return target
}
