package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists every invalid key found in one pass
type ValidationError struct {
	Fields []FieldError
}

// FieldError is one invalid key
type FieldError struct {
	Key     string
	Tag     string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid config"
	}
	msgs := make([]string, len(e.Fields))
	for i, fe := range e.Fields {
		msgs[i] = fe.Message
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func newError(errs validator.ValidationErrors) *ValidationError {
	ve := &ValidationError{Fields: make([]FieldError, len(errs))}
	for i, fe := range errs {
		// Namespace is "Values.<section>.<key>" with toml names
		key := fe.Namespace()
		if _, rest, ok := strings.Cut(key, "."); ok {
			key = rest
		}
		ve.Fields[i] = FieldError{
			Key:     key,
			Tag:     fe.Tag(),
			Message: formatFieldError(key, fe),
		}
	}
	return ve
}

func formatFieldError(key string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "duration":
		return key + " must be a duration such as 500ms"
	case "oneof":
		return key + " must be one of: " + fe.Param()
	case "min":
		return key + " must be at least " + fe.Param()
	case "max":
		return key + " must be at most " + fe.Param()
	case "len", "ascii":
		return key + " must be a single ASCII character"
	case "contains":
		return key + " must contain " + fe.Param()
	case "gt":
		return key + " must be greater than " + fe.Param()
	}
	return key + " failed " + fe.Tag() + " validation"
}
