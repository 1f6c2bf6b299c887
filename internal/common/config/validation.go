package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

// LogValidationErrors logs one line per invalid configuration field.
func LogValidationErrors(err error) {
	for _, message := range validationMessages(err) {
		log.Errorf("ConfigError: %s", message)
	}
}

func validationMessages(err error) []string {
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		field := fieldName(fieldErr.Namespace())
		tag := fieldErr.Tag()
		switch {
		case tag == "required" || strings.HasPrefix(tag, "required_with"):
			messages = append(messages, "Field "+field+" is required but was not found")
		case tag == "oneof":
			messages = append(messages, "Field "+field+" must be one of ["+fieldErr.Param()+"]")
		case tag == "gtfield":
			messages = append(messages, "Field "+field+" must be greater than "+fieldErr.Param())
		default:
			messages = append(messages, "Field "+field+" failed the "+tag+" check")
		}
	}
	return messages
}

// fieldName drops the name of the top level struct from a validator namespace.
func fieldName(namespace string) string {
	if idx := strings.Index(namespace, "."); idx != -1 {
		return namespace[idx+1:]
	}
	return namespace
}
