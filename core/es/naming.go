package es

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

const streamNameSeparator = "-"

// StreamName builds the stream name "{category}-{id}".
func StreamName(category, id string) string { return category + streamNameSeparator + id }

// SplitStreamName splits a stream name at the first separator. Categories are
// derived from Go identifiers and never contain the separator, ids may.
func SplitStreamName(streamName string) (category, id string, err error) {
	category, id, ok := strings.Cut(streamName, streamNameSeparator)
	if !ok || category == "" || id == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidStreamName, streamName)
	}
	return category, id, nil
}

// ValidateStreamName rejects names with whitespace or an empty category/id.
func ValidateStreamName(streamName string) error {
	if strings.IndexFunc(streamName, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidStreamName, streamName)
	}
	_, _, err := SplitStreamName(streamName)
	return err
}

// CategoryFor derives the stream category from a type name: the name is
// lower-camel-cased and pluralised, e.g. TestEntity becomes testEntities.
func CategoryFor(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return pluralize(lowerCamel(t.Name()))
}

func lowerCamel(s string) string {
	r := []rune(s)
	for i := 0; i < len(r) && unicode.IsUpper(r[i]); i++ {
		// keep the last capital of an acronym when it starts the next word
		if i > 0 && i+1 < len(r) && unicode.IsLower(r[i+1]) {
			break
		}
		r[i] = unicode.ToLower(r[i])
	}
	return string(r)
}

func pluralize(s string) string {
	switch {
	case s == "":
		return s
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsAny(s[len(s)-2:len(s)-1], "aeiou"):
		return s[:len(s)-1] + "ies"
	case strings.HasSuffix(s, "s"), strings.HasSuffix(s, "x"), strings.HasSuffix(s, "z"),
		strings.HasSuffix(s, "ch"), strings.HasSuffix(s, "sh"):
		return s + "es"
	default:
		return s + "s"
	}
}
