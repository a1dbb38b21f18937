package domain

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	titleRule    = "required,max=" + strconv.Itoa(MaxTitleLength)
	statusRule   = "oneof=todo doing done"
	priorityRule = "min=" + strconv.Itoa(MinPriority) + ",max=" + strconv.Itoa(MaxPriority)
	tagsRule     = "max=" + strconv.Itoa(MaxTags) + ",dive,required,max=" + strconv.Itoa(MaxTagLength)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkVar validates a single value against rule and records failures under field.
func checkVar(errs *ValidationError, field string, value any, rule string) {
	err := validate.Var(value, rule)
	if err == nil {
		return
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		errs.add(field, "is invalid")
		return
	}
	for _, fe := range fes {
		name := field
		if f := fe.Field(); strings.HasPrefix(f, "[") {
			name += f
		}
		errs.add(name, describe(fe))
	}
}

// checkStruct validates s using its struct tags.
func checkStruct(errs *ValidationError, s any) {
	err := validate.Struct(s)
	if err == nil {
		return
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		errs.add("query", "is invalid")
		return
	}
	for _, fe := range fes {
		errs.add(fe.Field(), describe(fe))
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "max":
		switch fe.Kind() {
		case reflect.String:
			return "must be at most " + fe.Param() + " characters"
		case reflect.Slice:
			return "must contain at most " + fe.Param() + " items"
		}
		return "must be at most " + fe.Param()
	case "min":
		if fe.Kind() == reflect.String {
			return "must be at least " + fe.Param() + " characters"
		}
		return "must be at least " + fe.Param()
	}
	return "is invalid"
}
