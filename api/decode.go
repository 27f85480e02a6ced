package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// validationError is a malformed or invalid request body. Always a 400.
type validationError struct {
	msg    string
	fields map[string]string
}

func (e *validationError) Error() string { return e.msg }

func decodeJSON(r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return &validationError{msg: "invalid request body: " + err.Error()}
	}
	if err := validate.Struct(dest); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func formatValidationErrors(err error) *validationError {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return &validationError{msg: "validation failed: " + err.Error()}
	}
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		fields[fe.Field()] = validationMessage(fe)
	}
	return &validationError{msg: "validation failed", fields: fields}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	}
	return "is invalid"
}
