package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rafaeljc/wayfinder/internal/validation"
)

func TestAssertNotNil(t *testing.T) {
	t.Parallel()

	t.Run("nil pointer panics with the dependency name", func(t *testing.T) {
		t.Parallel()

		var p *int
		assert.PanicsWithValue(t, "critical error: rule engine cannot be nil", func() {
			validation.AssertNotNil(p, "rule engine")
		})
	})

	t.Run("non-nil pointer passes", func(t *testing.T) {
		t.Parallel()

		v := 1
		assert.NotPanics(t, func() { validation.AssertNotNil(&v, "value") })
	})
}
