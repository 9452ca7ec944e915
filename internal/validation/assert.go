// Package validation provides constructor guards for mandatory dependencies.
package validation

import "fmt"

// AssertNotNil panics if ptr is nil. Use it in constructors, where a missing
// dependency is a wiring bug rather than a runtime failure.
//
//	validation.AssertNotNil(engine, "rule engine")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}
