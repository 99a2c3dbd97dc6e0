package utils

// Filter applies a filter function to each element in a slice
// and returns a new slice containing only the elements for which the filter function returns true.
func Filter[T any](slice []T, filterFunc func(T) bool) []T {
	var result []T
	for _, item := range slice {
		if filterFunc(item) {
			result = append(result, item)
		}
	}
	return result
}

// CountBy groups the elements of a slice by key and returns how many fall into each group
func CountBy[T any, K comparable](slice []T, keyFunc func(T) K) map[K]int {
	counts := make(map[K]int)
	for _, item := range slice {
		counts[keyFunc(item)]++
	}
	return counts
}

// Reversed returns a copy of the slice in reverse order
func Reversed[T any](slice []T) []T {
	result := make([]T, len(slice))
	for i, item := range slice {
		result[len(slice)-1-i] = item
	}
	return result
}
