package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	RegisterCustomValidations()
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return describe(err)
	}
	return nil
}

// describe flattens validator errors into a single readable message
func describe(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
}

// IsValidProtocol checks a device protocol against the supported set
func IsValidProtocol(protocol string) bool {
	switch strings.ToUpper(protocol) {
	case "MQTT", "HTTP", "HTTPS", "COAP", "TCP", "UDP", "MODBUS", "OPCUA":
		return true
	default:
		return false
	}
}

// RegisterCustomValidations registers custom validation functions
func RegisterCustomValidations() {
	validate.RegisterValidation("protocol", func(fl validator.FieldLevel) bool {
		return IsValidProtocol(fl.Field().String())
	})

	validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}
