// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package config

import (
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// LoadDotEnv loads a .env file if present. Missing files are not an error.
func LoadDotEnv(paths ...string) {
	for _, path := range paths {
		_ = godotenv.Load(path)
	}
}

// ExpandEnvVars substitutes ${VAR}, ${VAR:-default} and $VAR references.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// expandStruct walks v and expands env references in every string field,
// including strings inside maps, slices and nested structs.
func expandStruct(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			expandStruct(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				expandStruct(field)
			}
		}
	case reflect.String:
		v.SetString(ExpandEnvVars(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandStruct(v.Index(i))
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if elem.Kind() == reflect.String {
				v.SetMapIndex(key, reflect.ValueOf(ExpandEnvVars(elem.String())))
			} else if elem.Kind() == reflect.Ptr || elem.Kind() == reflect.Struct {
				expandStruct(elem)
			}
		}
	}
}

// ExpandConfig expands env references across all string fields of cfg.
func ExpandConfig(cfg *Config) {
	expandStruct(reflect.ValueOf(cfg))
}
