package inventory

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used for log, overhead and start
// dates. Dates carry no time zone.
const DateLayout = "2006-01-02"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		// Report JSON field names so API clients see what they sent.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		// Let numeric rules (gte, lte) apply to decimals.
		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})

		_ = v.RegisterValidation("calendar_date", func(fl validator.FieldLevel) bool {
			_, err := time.Parse(DateLayout, fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("site_status", func(fl validator.FieldLevel) bool {
			return SiteStatus(fl.Field().String()).Valid()
		})

		validate = v
	})
	return validate
}

// Validate checks a payload struct against its `validate` tags and returns
// a *ValidationError listing every failing field.
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string]string{"payload": err.Error()}}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		// Namespace is "LogInput.materials_used[0].quantity"; drop the type.
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		fields[ns] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}
