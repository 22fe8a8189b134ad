package objects

// Supersedes reports whether an update stamped with candidate may replace
// state stamped with existing. Serials compare as plain strings; an empty
// serial means "none" and never wins.
func Supersedes(candidate, existing string) bool {
	if candidate == "" {
		return false
	}
	if existing == "" {
		return true
	}
	return candidate > existing
}
