package chequier

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
)

// validationFailure converts ozzo validation errors into a VALIDATION_ERROR
// carrying a per field map.
func validationFailure(err error) error {
	if err == nil {
		return nil
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for field, ferr := range verrs {
			if ferr != nil {
				fields[field] = ferr.Error()
			}
		}
		return ErrValidation("invalid input", map[string]any{"fields": fields})
	}

	var internal validation.InternalError
	if errors.As(err, &internal) {
		return ErrInternal(err)
	}
	return ErrValidation(err.Error())
}

// FieldErrors returns the per field messages carried by a validation error.
func FieldErrors(err error) map[string]string {
	rich := AsRichError(err)
	if rich == nil || rich.Metadata == nil {
		return nil
	}
	fields, _ := rich.Metadata["fields"].(map[string]string)
	return fields
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func notBlank(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

func notBlankPtr(value any) error {
	s, ok := value.(*string)
	if !ok || s == nil {
		return nil
	}
	return notBlank(*s)
}
