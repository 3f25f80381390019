package common

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct 按 validate 标签校验结构体，返回逐字段的错误明细
func ValidateStruct(v any) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fieldErrorMessage(fe))
	}
	return details
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "unique":
		return field + " must not contain duplicates"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
