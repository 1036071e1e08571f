package ports

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("ports: failed to get 'en' translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	// Report fields by their json name
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

type fieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

type fieldErrors []fieldError

func (fe fieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Error
	}
	return strings.Join(parts, "; ")
}

// validateRequest checks val against its validate tags. Validation failures are returned as
// fieldErrors, anything else means the tags themselves are broken.
func validateRequest(val any) error {
	err := validate.Struct(val)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	fields := make(fieldErrors, 0, len(validationErrors))
	for _, verr := range validationErrors {
		fields = append(fields, fieldError{
			Field: fieldPath(verr.Namespace()),
			Error: errorForTag(verr),
		})
	}
	return fields
}

// fieldPath drops the struct name from a namespace like request.events[0].name
func fieldPath(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return path
}

func errorForTag(verr validator.FieldError) string {
	switch verr.Tag() {
	case "required":
		return "this field is required"
	case "uuid":
		return "must be a uuid"
	default:
		return verr.Translate(translator)
	}
}
