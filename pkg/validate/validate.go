// Package validate runs struct-tag validation for service inputs and maps
// failures to VALIDATION_ERROR.
package validate

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
	_ = v.RegisterValidation("positive_amount", positiveAmount)
	_ = v.RegisterValidation("non_negative_amount", nonNegativeAmount)
	_ = v.RegisterValidation("cents", wholeCents)
	_ = v.RegisterValidation("tree", validTree)
	return v
}

// Struct validates dest and returns a coded error listing each failing field.
func Struct(dest any) error {
	if err := validate.Struct(dest); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func formatValidationErrors(err error) *pkgerrors.Error {
	if errs, ok := err.(validator.ValidationErrors); ok {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[fieldErr.Field()] = validationMessage(fieldErr)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "positive_amount":
		return "must be greater than zero"
	case "non_negative_amount":
		return "must not be negative"
	case "cents":
		return "must have at most two decimal places"
	case "tree":
		return "must be self or auto"
	}
	return "is invalid"
}

// decimalValue exposes decimals to the validator as their string form.
func decimalValue(field reflect.Value) any {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		return d.String()
	}
	return nil
}

func fieldDecimal(fl validator.FieldLevel) (decimal.Decimal, bool) {
	switch v := fl.Field().Interface().(type) {
	case decimal.Decimal:
		return v, true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	}
	return decimal.Zero, false
}

func positiveAmount(fl validator.FieldLevel) bool {
	d, ok := fieldDecimal(fl)
	return ok && d.IsPositive()
}

func nonNegativeAmount(fl validator.FieldLevel) bool {
	d, ok := fieldDecimal(fl)
	return ok && !d.IsNegative()
}

func wholeCents(fl validator.FieldLevel) bool {
	d, ok := fieldDecimal(fl)
	return ok && Cents(d)
}

// Cents reports whether d is a whole number of cents.
func Cents(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(2))
}

func validTree(fl validator.FieldLevel) bool {
	switch v := fl.Field().Interface().(type) {
	case enums.TreeKind:
		return v.IsValid()
	case string:
		return enums.TreeKind(v).IsValid()
	}
	return false
}
