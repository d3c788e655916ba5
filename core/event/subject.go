package event

import (
	"reflect"
	"strings"
	"unicode"
)

// SubjectOf derives the routing subject for an event: the kebab-case form of
// the concrete type name (SomethingHappened -> something-happened).
func SubjectOf(ev Event) string {
	t := reflect.TypeOf(ev)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return KebabCase(t.Name())
}

// KebabCase lowers a CamelCase identifier, inserting a dash before every
// uppercase rune that is not at the start.
func KebabCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
