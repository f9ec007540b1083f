// Package pointer provides a helper for taking the address of a value.
package pointer

// To returns a pointer to the provided value.
func To[T any](v T) *T {
	return &v
}
