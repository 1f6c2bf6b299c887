package util

// MergeMaps returns a new map holding the entries of a overwritten by those of b.
func MergeMaps(a map[string]string, b map[string]string) map[string]string {
	result := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}
