package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DefaultPrefix is the prefix of environment variable names.
const DefaultPrefix = "MEDIATE"

var durationType = reflect.TypeOf(time.Duration(0))

// Loader overlays environment variables on configuration structs.
//
// Variable names follow the pattern
//
//	{Prefix}_{SECTION}_{FIELD}
//
// where nested structs add their field name as a segment and embedded
// structs are flattened. Field names are converted from CamelCase to
// UPPER_SNAKE_CASE unless an `env:"NAME"` tag overrides the segment:
//
//	MEDIATE_REDELIVERY_MAXIMUM_REDELIVERIES=3
//	MEDIATE_REDELIVERY_REDELIVERY_DELAY=250ms
//	MEDIATE_CONSUMER_CONCURRENCY=8
//	MEDIATE_DEAD_LETTER_BROKERS=kafka-1:9092,kafka-2:9092
//
// Supported field types are string, bool, integers, floats, time.Duration
// and slices of strings (comma separated). Other fields are skipped.
type Loader struct {
	// Prefix of variable names. Default: DefaultPrefix.
	Prefix string

	// lookup overrides os.LookupEnv for testing.
	lookup func(string) (string, bool)
}

func (l Loader) prefix() string {
	if l.Prefix == "" {
		return DefaultPrefix
	}
	return l.Prefix
}

func (l Loader) lookupEnv(key string) (string, bool) {
	if l.lookup != nil {
		return l.lookup(key)
	}
	return os.LookupEnv(key)
}

// Load overlays the variables of section on the struct pointed to by dst.
// Fields without a set variable keep their value.
func (l Loader) Load(section string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: dst must be a pointer to a struct, got %T", dst)
	}
	return l.loadStruct(l.sectionPrefix(section), v.Elem())
}

// Keys returns the variable names Load checks for dst, which may be a
// struct or a pointer to one.
func (l Loader) Keys(section string, dst any) []string {
	v := reflect.ValueOf(dst)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return collectKeys(l.sectionPrefix(section), v.Type())
}

func (l Loader) sectionPrefix(section string) string {
	return l.prefix() + "_" + normalizeSection(section)
}

func fieldKey(prefix string, field reflect.StructField) string {
	if field.Anonymous {
		return prefix
	}
	if name := field.Tag.Get("env"); name != "" {
		return prefix + "_" + name
	}
	return prefix + "_" + toUpperSnake(field.Name)
}

func (l Loader) loadStruct(prefix string, v reflect.Value) error {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		fv := v.Field(i)

		if !field.IsExported() {
			if field.Anonymous && field.Type.Kind() == reflect.Struct {
				if err := l.loadStruct(prefix, fv); err != nil {
					return err
				}
			}
			continue
		}
		if field.Tag.Get("env") == "-" {
			continue
		}
		key := fieldKey(prefix, field)

		if field.Type.Kind() == reflect.Struct && field.Type != durationType {
			if err := l.loadStruct(key, fv); err != nil {
				return err
			}
			continue
		}
		if !supported(field.Type) {
			continue
		}
		raw, ok := l.lookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(fv, raw, key); err != nil {
			return err
		}
	}
	return nil
}

func collectKeys(prefix string, t reflect.Type) []string {
	var keys []string
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			if field.Anonymous && field.Type.Kind() == reflect.Struct {
				keys = append(keys, collectKeys(prefix, field.Type)...)
			}
			continue
		}
		if field.Tag.Get("env") == "-" {
			continue
		}
		key := fieldKey(prefix, field)
		switch {
		case field.Type.Kind() == reflect.Struct && field.Type != durationType:
			keys = append(keys, collectKeys(key, field.Type)...)
		case supported(field.Type):
			keys = append(keys, key)
		}
	}
	return keys
}

func supported(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.String
	}
	return false
}

func setField(v reflect.Value, raw, key string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		v.SetInt(int64(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		v.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		v.SetBool(b)
	case reflect.Slice:
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		v.Set(reflect.ValueOf(items).Convert(v.Type()))
	}
	return nil
}

// normalizeSection uppercases letters, turns hyphens, spaces and
// underscores into underscores and drops anything else. CamelCase section
// names are split like field names.
func normalizeSection(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range toUpperSnake(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// toUpperSnake converts CamelCase to UPPER_SNAKE_CASE.
//
//	MaximumRedeliveries → MAXIMUM_REDELIVERIES
//	URLPath             → URL_PATH
func toUpperSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteRune('_')
			} else if unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
				b.WriteRune('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
