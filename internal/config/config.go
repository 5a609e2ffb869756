package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/mediagraph/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable named by an `env` tag.
const EnvPrefix = "MEDIAGRAPH_"

var durationType = reflect.TypeFor[time.Duration]()

// Source names the layer a configuration value came from.
type Source string

// Configuration layers, lowest precedence first.
const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Report describes how Load filled an options struct.
type Report struct {
	// Sources maps each toml path to the layer that set it.
	Sources map[string]Source
	// Unknown lists config file keys no field is bound to, sorted.
	Unknown []string
}

// Validator is implemented by options structs that check themselves once
// every layer has been applied.
type Validator interface {
	Validate() error
}

// freeTables hold keys that are read elsewhere, such as per-module log
// levels, and are never reported as unknown.
var freeTables = []string{"logging."}

type binding struct {
	field reflect.Value
	flag  string
	toml  string
	env   string
}

func bindings(opts any) (binds []binding, configPath string) {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		f := t.Field(i)
		if f.Name == "Config" {
			configPath = v.Field(i).String()
			continue
		}
		binds = append(binds, binding{
			field: v.Field(i),
			flag:  fieldNameToFlag(f.Name),
			toml:  f.Tag.Get("toml"),
			env:   f.Tag.Get("env"),
		})
	}
	return binds, configPath
}

// Load fills opts with precedence CLI args > env vars > config file. Flags
// explicitly set on cmd are never overwritten. Fields are mapped by their
// `toml` (dotted path) and `env` tags; the file is named by a Config field.
func Load(opts any, cmd *cobra.Command) (Report, error) {
	report := Report{Sources: make(map[string]Source)}
	binds, configPath := bindings(opts)

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		})
	}

	var file map[string]any
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := toml.Unmarshal(data, &file); err != nil {
				return report, fmt.Errorf("failed to parse TOML config: %w", err)
			}
		}
	}

	bound := make(map[string]bool)
	for _, b := range binds {
		if b.toml != "" {
			bound[b.toml] = true
			report.Sources[b.toml] = SourceDefault
		}
		switch {
		case changed[b.flag]:
			report.Sources[b.toml] = SourceFlag
			continue
		case b.env != "":
			if envValue := os.Getenv(EnvPrefix + b.env); envValue != "" {
				setFieldValueFromString(b.field, envValue)
				report.Sources[b.toml] = SourceEnv
				continue
			}
		}
		if b.toml == "" {
			continue
		}
		if value := getNestedValue(file, b.toml); value != nil {
			setFieldValue(b.field, value)
			report.Sources[b.toml] = SourceFile
		}
	}
	delete(report.Sources, "")

	for _, key := range leafKeys(file, "") {
		if !bound[key] && !hasFreePrefix(key) {
			report.Unknown = append(report.Unknown, key)
		}
	}
	slices.Sort(report.Unknown)

	if v, ok := opts.(Validator); ok {
		if err := v.Validate(); err != nil {
			return report, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return report, nil
}

func hasFreePrefix(key string) bool {
	for _, p := range freeTables {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// leafKeys returns the dotted paths of every non-table value in data.
func leafKeys(data map[string]any, prefix string) []string {
	var keys []string
	for k, v := range data {
		if sub, ok := v.(map[string]any); ok {
			keys = append(keys, leafKeys(sub, prefix+k+".")...)
			continue
		}
		keys = append(keys, prefix+k)
	}
	return keys
}

// fieldNameToFlag converts a struct field name to a CLI flag name.
// Example: "LoggingLevel" -> "logging-level", "Port" -> "port".
func fieldNameToFlag(fieldName string) string {
	var result []rune
	for i, r := range fieldName {
		if i > 0 && unicode.IsUpper(r) {
			result = append(result, '-')
		}
		result = append(result, unicode.ToLower(r))
	}
	return string(result)
}

// getNestedValue retrieves a value from nested map using dot notation.
func getNestedValue(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := data

	for i, part := range parts {
		if i == len(parts)-1 {
			return current[part]
		}
		if next, ok := current[part].(map[string]any); ok {
			current = next
		} else {
			return nil
		}
	}
	return nil
}

// setFieldValue sets a field value using reflection.
func setFieldValue(field reflect.Value, value any) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		switch v := value.(type) {
		case string:
			field.SetString(v)
		case []any:
			// Lists feed comma-separated string options, like env vars do.
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					parts = append(parts, s)
				}
			}
			field.SetString(strings.Join(parts, ","))
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int:
		if i, ok := value.(int64); ok {
			field.SetInt(i)
		} else if i, intOk := value.(int); intOk {
			field.SetInt(int64(i))
		}
	case reflect.Int64:
		if field.Type() == durationType {
			if s, ok := value.(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					field.SetInt(int64(d))
				}
			}
			return
		}
		if i, ok := value.(int64); ok {
			field.SetInt(i)
		}
	case reflect.Float64:
		switch f := value.(type) {
		case float64:
			field.SetFloat(f)
		case int64:
			field.SetFloat(float64(f))
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			if arr, ok := value.([]any); ok {
				slice := make([]string, len(arr))
				for i, v := range arr {
					if s, strOk := v.(string); strOk {
						slice[i] = s
					}
				}
				field.Set(reflect.ValueOf(slice))
			}
		}
	}
}

// setFieldValueFromString sets a field value from string (for env vars).
func setFieldValueFromString(field reflect.Value, value string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Int:
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Int64:
		if field.Type() == durationType {
			if d, err := time.ParseDuration(value); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Float64:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			field.SetFloat(f)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Parse comma-separated values for env vars
			parts := strings.Split(value, ",")
			slice := make([]string, len(parts))
			for i, part := range parts {
				slice[i] = strings.TrimSpace(part)
			}
			field.Set(reflect.ValueOf(slice))
		}
	}
}

// LoadLoggingConfig loads logging configuration from a TOML config file.
// Returns default config if file doesn't exist or can't be parsed.
func LoadLoggingConfig(configPath string) logging.Config {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}

	if configPath == "" {
		return cfg
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var rawConfig struct {
		Logging map[string]string `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &rawConfig); err != nil {
		return cfg
	}

	if rawConfig.Logging == nil {
		return cfg
	}

	// Extract level and format, rest are module-specific levels
	for key, value := range rawConfig.Logging {
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}

	return cfg
}
