// Package validator wraps go-playground/validator with the JSON-tag-aware
// error formatting and custom rules this catalog's request bodies need.
package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// tagname rejects tags that are empty after trimming or carry
	// separators that would break the stored text[] round trip.
	validate.RegisterValidation("tagname", func(fl validator.FieldLevel) bool {
		tag := strings.TrimSpace(fl.Field().String())
		if tag == "" {
			return false
		}
		return !strings.ContainsAny(tag, "{},\"")
	})
}

// NameRequest validates a category or image rename payload.
type NameRequest struct {
	Name string `json:"name" validate:"required,min=1,max=100"`
}

// CategoryRequest validates a new-category payload.
type CategoryRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"max=500"`
}

// TagsRequest validates a tag-replacement payload.
type TagsRequest struct {
	Tags []string `json:"tags" validate:"max=32,dive,tagname"`
}

// Validate validates s and returns a map of field name to a human-readable
// message, or nil if s is valid.
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errs := make(map[string]string)
	for _, fieldErr := range err.(validator.ValidationErrors) {
		field := fieldErr.Field()
		switch fieldErr.Tag() {
		case "required":
			errs[field] = "this field is required"
		case "min":
			errs[field] = "value is too short (min: " + fieldErr.Param() + ")"
		case "max":
			errs[field] = "value is too long (max: " + fieldErr.Param() + ")"
		case "tagname":
			errs[field] = "tag must be non-empty and may not contain \" { } ,"
		default:
			errs[field] = "invalid value"
		}
	}
	return errs
}
