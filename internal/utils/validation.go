package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// bus ids ("BUS-101-A") and generated UUIDs
	validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
)

const (
	maxIDLength    = 64
	maxQueryLength = 100
	maxTextLength  = 200
)

// ValidateID validates a path or body identifier.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if len(id) > maxIDLength {
		return fmt.Errorf("id too long (max %d characters)", maxIDLength)
	}

	if !validIDPattern.MatchString(id) {
		return errors.New("id contains invalid characters")
	}

	return nil
}

// ValidateQuery validates a free-text route search query. Empty is allowed.
// The query is only ever bound as a literal, so any text is acceptable.
func ValidateQuery(query string) error {
	if query == "" {
		return nil
	}

	if len(query) > maxQueryLength {
		return fmt.Errorf("query too long (max %d characters)", maxQueryLength)
	}

	if !utf8.ValidString(query) {
		return errors.New("query is not valid UTF-8")
	}

	return nil
}

// ValidateText validates a required human-readable field such as a route name.
func ValidateText(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("must not be empty")
	}
	if len(value) > maxTextLength {
		return fmt.Errorf("too long (max %d characters)", maxTextLength)
	}
	return nil
}

func ValidateLatitude(lat float64) error {
	if math.IsNaN(lat) || lat < -90.0 || lat > 90.0 {
		return errors.New("latitude must be between -90 and 90")
	}
	return nil
}

func ValidateLongitude(lon float64) error {
	if math.IsNaN(lon) || lon < -180.0 || lon > 180.0 {
		return errors.New("longitude must be between -180 and 180")
	}
	return nil
}

// ValidatePosition collects latitude/longitude problems under the given
// field names into fieldErrors, allocating the map when nil.
func ValidatePosition(lat, lon float64, latField, lonField string, fieldErrors map[string][]string) map[string][]string {
	if fieldErrors == nil {
		fieldErrors = make(map[string][]string)
	}
	if err := ValidateLatitude(lat); err != nil {
		fieldErrors[latField] = append(fieldErrors[latField], err.Error())
	}
	if err := ValidateLongitude(lon); err != nil {
		fieldErrors[lonField] = append(fieldErrors[lonField], err.Error())
	}
	return fieldErrors
}

// SanitizeInput strips HTML tags and surrounding whitespace.
func SanitizeInput(input string) string {
	return strings.TrimSpace(htmlTagPattern.ReplaceAllString(input, ""))
}

// ValidateAndSanitizeQuery validates and sanitizes a search query
func ValidateAndSanitizeQuery(query string) (string, error) {
	if err := ValidateQuery(query); err != nil {
		return "", err
	}
	return SanitizeInput(query), nil
}
