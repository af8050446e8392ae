package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/ocx/proctor/internal/core"
)

// maxBodyBytes bounds request bodies. Frames carry base64 image data.
const maxBodyBytes = 8 << 20

var (
	validate   *validator.Validate
	translator ut.Translator

	notBlankTag = "notblank"
	severityTag = "severity"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, notBlankValidation)
	_ = validate.RegisterValidation(severityTag, severityValidation)

	registerFn := func(ut.Translator) error { return nil }
	for _, tag := range []string{notBlankTag, severityTag} {
		_ = validate.RegisterTranslation(tag, translator, registerFn, translateCustomValidationErrs)
	}
}

func translateCustomValidationErrs(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return fe.Field() + " cannot be blank"
	case severityTag:
		return fe.Field() + " must be one of low, medium, high, critical"
	default:
		return ""
	}
}

func notBlankValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(str) != ""
	}
	return false
}

func severityValidation(fl validator.FieldLevel) bool {
	if str, ok := fl.Field().Interface().(string); ok {
		_, err := core.ParseSeverity(str)
		return err == nil
	}
	return false
}

// fieldErrors is the translated form of validator.ValidationErrors.
type fieldErrors struct {
	first  *core.ValidationError
	fields map[string]string
}

func (e *fieldErrors) Error() string { return e.first.Error() }

func (e *fieldErrors) Unwrap() error { return e.first }

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return validateStruct(dst)
		}
		return &core.ValidationError{Message: "invalid JSON body: " + err.Error()}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &core.ValidationError{Message: err.Error()}
	}
	out := &fieldErrors{fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		field := fieldPath(fe)
		msg := fe.Translate(translator)
		out.fields[field] = msg
		if out.first == nil {
			out.first = &core.ValidationError{Field: field, Message: msg}
		}
	}
	return out
}

// fieldPath drops the root struct name from the namespace, so
// "initializeRequest.configuration.profileId" reads "configuration.profileId".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}
