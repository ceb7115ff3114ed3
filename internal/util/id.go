package util

// ShortID truncates an identifier to its first 8 characters for log and
// report readability.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
