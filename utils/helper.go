package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = "IT"

// NormalizePhone returns the E.164 form of a phone number, or ok=false when
// the input is empty or not a valid number for region.
func NormalizePhone(phoneNumber, region string) (string, bool) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return "", false
	}
	if region == "" {
		region = CountryCode
	}
	p, err := libphonenumber.Parse(phoneNumber, region)
	if err != nil {
		return "", false
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", false
	}
	return libphonenumber.Format(p, libphonenumber.E164), true
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["_"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// ParseTime accepts RFC3339 and the remote's "2006-01-02 15:04:05" and
// "2006-01-02" layouts. Absent or malformed input yields ok=false.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseTimePtr is ParseTime returning nil for absent or malformed input.
func ParseTimePtr(raw string) *time.Time {
	t, ok := ParseTime(raw)
	if !ok {
		return nil
	}
	return &t
}
