package config

import (
	"reflect"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Validator is implemented by configuration structs that check their own
// invariants. Validate may also normalize values (trim slashes, apply
// derived defaults), so it is called on a pointer.
//
//	func (c *Config) Validate() error {
//	    if c.KeyCacheTTL <= 0 {
//	        return sserr.New(sserr.CodeValidationRange, "auth: key cache TTL must be positive")
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

// validate checks required tags over the whole tree, then runs Validator
// implementations from the leaves up to the root.
func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if err := validateNested(rv); err != nil {
		return err
	}

	if v, ok := cfg.(Validator); ok {
		return wrapValidation(v.Validate())
	}

	return nil
}

// validateNested calls Validate on every addressable nested struct that
// implements Validator.
func validateNested(rv reflect.Value) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() || !isNested(field, sf) {
			continue
		}

		if err := validateNested(field); err != nil {
			return err
		}

		if v, ok := field.Addr().Interface().(Validator); ok {
			if err := wrapValidation(v.Validate()); err != nil {
				return err
			}
		}
	}

	return nil
}

func wrapValidation(err error) error {
	if err == nil {
		return nil
	}
	if _, isSSErr := sserr.AsError(err); isSSErr {
		return err
	}
	return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
}

// validateRequired checks that fields tagged `required:"true"` are non-zero.
// path is the dotted field path used in error messages.
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if isNested(field, sf) {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") != "true" {
			continue
		}

		if field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}

	return nil
}
