// Package validatex holds the single shared validator.Validate instance
// used to enforce the `validate` struct tags on Store input types and
// retry policies, mirroring how serverlessworkflow-sdk-go keeps one
// package-level *validator.Validate behind a GetValidator accessor
// instead of constructing one per call site.
package validatex

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// GetValidator returns the shared validator instance.
func GetValidator() *validator.Validate {
	return validate
}

// Struct validates s against its `validate` struct tags.
func Struct(s any) error {
	return validate.Struct(s)
}
