package util

// Subtract returns the values of s not contained in remove, keeping their order.
func Subtract(s []string, remove []string) []string {
	excluded := StringSet(remove)
	result := make([]string, 0, len(s))
	for _, v := range s {
		if !excluded[v] {
			result = append(result, v)
		}
	}
	return result
}

func StringSet(s []string) map[string]bool {
	set := make(map[string]bool, len(s))
	for _, v := range s {
		set[v] = true
	}
	return set
}
