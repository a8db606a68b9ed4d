// Package config loads service configuration from struct tag defaults, an
// optional YAML or JSON file and environment variables, in that order of
// increasing priority, then validates the result.
//
// # Struct Tags
//
//   - `env:"VAR_NAME"` maps the field to an environment variable. On a
//     nested struct the tag becomes a prefix for the child fields.
//   - `envDefault:"value"` sets a default when the field is zero-valued.
//   - `envSeparator:" "` splits list values on something other than a comma
//     (OIDC scopes are space separated).
//   - `required:"true"` fails validation if the field remains zero.
//
// Fields need `yaml` or `json` tags for file-based loading.
//
// # Validation
//
// After loading, required fields are checked and every struct in the tree
// that implements [Validator] has its Validate method called, innermost
// first. This lets a component own the validation of its own section:
//
//	type ServerConfig struct {
//	    Listen string      `env:"LISTEN" envDefault:":8080" yaml:"listen"`
//	    Auth   auth.Config `yaml:"auth"`
//	}
//
//	cfg := config.MustLoad[ServerConfig](config.New().WithFile("identity.yaml"))
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// durationType distinguishes time.Duration from plain int64 fields.
var durationType = reflect.TypeOf(time.Duration(0))

// defaultSeparator splits list values when no envSeparator tag is set.
const defaultSeparator = ","

// Loader resolves configuration in layers. Create one with [New], configure
// it with [Loader.WithEnvPrefix] and [Loader.WithFile], then call
// [Loader.Load]. A Loader is not safe for concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
}

// New returns a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends an upper-cased prefix and an underscore to every
// environment variable name. WithEnvPrefix("IDENTITY") makes a field tagged
// `env:"OIDC_ISSUER_URL"` read IDENTITY_OIDC_ISSUER_URL.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets an optional .yaml, .yml or .json file. A missing file is not
// an error; an unknown extension or a path containing ".." is.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct.
//
// Loading failures return [sserr.CodeInternalConfiguration]; a missing
// required field returns [sserr.CodeValidationRequired]; a failing
// [Validator] returns its own *sserr.Error or [sserr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}

	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	if err := applyEnv(rv, l.envPrefix); err != nil {
		return err
	}

	return validate(cfg, rv)
}

// MustLoad loads a T and panics on failure. Use it in main, where an
// invalid configuration must stop start-up.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	ext := strings.ToLower(filepath.Ext(l.filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}

	return nil
}

// isNested reports whether a struct field should be traversed rather than
// set from a single string.
func isNested(field reflect.Value, sf reflect.StructField) bool {
	return field.Kind() == reflect.Struct && sf.Type != durationType
}

// applyDefaults sets zero-valued fields from their envDefault tags.
func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		if isNested(field, sf) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}

		tag, ok := sf.Tag.Lookup("envDefault")
		if !ok || tag == "" || !field.IsZero() {
			continue
		}

		if err := setField(field, tag, separatorFor(sf)); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}

	return nil
}

// applyEnv sets fields from environment variables. prefix accumulates the
// loader prefix and the env tags of enclosing structs, joined with "_".
func applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		envTag := sf.Tag.Get("env")

		if isNested(field, sf) {
			if err := applyEnv(field, joinPrefix(prefix, envTag)); err != nil {
				return err
			}
			continue
		}

		if envTag == "" {
			continue
		}

		envKey := joinPrefix(prefix, envTag)
		val, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}

		if err := setField(field, val, separatorFor(sf)); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, envKey)
		}
	}

	return nil
}

func joinPrefix(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

func separatorFor(sf reflect.StructField) string {
	if sep, ok := sf.Tag.Lookup("envSeparator"); ok && sep != "" {
		return sep
	}
	return defaultSeparator
}

// setField parses value into field. Supported kinds: string (including
// named string types such as auth.Secret), bool, signed integers,
// time.Duration and string slices.
func setField(field reflect.Value, value, separator string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := splitList(value, separator)
		// MakeSlice keeps named slice types assignable.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}

	return nil
}

// splitList splits on separator, trims each element and drops empties.
func splitList(value, separator string) []string {
	raw := strings.Split(value, separator)
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
