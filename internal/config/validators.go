package config

import "fmt"

// SizeRange rejects unsigned values outside [lo, hi].
func SizeRange(lo, hi uint64) Validator {
	return func(key string, v Value) error {
		if v.Kind != KindSize {
			return fmt.Errorf("%w: %q expects a size, got %s", ErrValidation, key, v.Kind)
		}
		if v.Size < lo || v.Size > hi {
			return fmt.Errorf("%w: %q = %d outside [%d, %d]", ErrValidation, key, v.Size, lo, hi)
		}
		return nil
	}
}

// SSizeRange rejects signed values outside [lo, hi].
func SSizeRange(lo, hi int64) Validator {
	return func(key string, v Value) error {
		if v.Kind != KindSSize {
			return fmt.Errorf("%w: %q expects a signed size, got %s", ErrValidation, key, v.Kind)
		}
		if v.SSize < lo || v.SSize > hi {
			return fmt.Errorf("%w: %q = %d outside [%d, %d]", ErrValidation, key, v.SSize, lo, hi)
		}
		return nil
	}
}

// FloatRange rejects float values outside [lo, hi].
func FloatRange(lo, hi float64) Validator {
	return func(key string, v Value) error {
		if v.Kind != KindFloat {
			return fmt.Errorf("%w: %q expects a float, got %s", ErrValidation, key, v.Kind)
		}
		if v.Float < lo || v.Float > hi {
			return fmt.Errorf("%w: %q = %v outside [%v, %v]", ErrValidation, key, v.Float, lo, hi)
		}
		return nil
	}
}

// OneOf rejects strings not in the allowed set.
func OneOf(allowed ...string) Validator {
	return func(key string, v Value) error {
		if v.Kind != KindString {
			return fmt.Errorf("%w: %q expects a string, got %s", ErrValidation, key, v.Kind)
		}
		for _, s := range allowed {
			if v.String == s {
				return nil
			}
		}
		return fmt.Errorf("%w: %q = %q not in %v", ErrValidation, key, v.String, allowed)
	}
}
