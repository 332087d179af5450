package engine

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var configValidator = newConfigValidator()

// resourceName is the Compute Engine naming rule (RFC 1035 label).
var resourceName = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)

func newConfigValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names so messages match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("gcename", func(fl validator.FieldLevel) bool {
		return resourceName.MatchString(fl.Field().String())
	})
	return v
}

// ValidateConfig checks the required deployment configuration fields.
// A missing field yields a validation DeploymentError naming every missing field.
func ValidateConfig(cfg DeploymentConfig) error {
	err := configValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &DeploymentError{
			Class:   ErrorClassValidation,
			Message: "Invalid configuration",
			Step:    StepValidate,
			Err:     err,
		}
	}

	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fe.Field())
		}
	}
	if len(missing) > 0 {
		return NewValidationError(missing...)
	}
	return &DeploymentError{
		Class:   ErrorClassValidation,
		Message: "Invalid field: " + strings.Join(invalid, ", "),
		Step:    StepValidate,
		Fields:  invalid,
	}
}
