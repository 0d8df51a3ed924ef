package decode

// ToFloat converts an exchange Money value (units, nanos) to a float64
// via units + nanos*1e-9. This is the general-purpose entry point for
// callers outside the hot path — tests, CLI debugging, offline
// recomputation. The decoder's own hot path inlines this same
// expression directly against each price level instead of calling
// through a function, to avoid a call per level per frame.
func ToFloat(units, nanos int64) float64 {
	return float64(units) + float64(nanos)*1e-9
}
