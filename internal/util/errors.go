// Package util collects small cross-cutting helpers shared by every layer
// of partitioncache.
package util

import "fmt"

// WrapError annotates err with a short, human-readable step description.
// It returns nil unchanged so call sites can wrap the result of a function
// call without an extra nil check.
func WrapError(step string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", step, err)
}
