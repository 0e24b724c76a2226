// Package credentials resolves secret values from the places operators keep
// them: files, JSON documents, environment variables, the OS keyring, or
// inline literals. Values are returned as-is after trimming and are never logged.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zalando/go-keyring"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMissingCredential is matched by every MissingCredentialError.
	ErrMissingCredential = errors.New("credential missing")

	// ErrInvalidSource is returned for source specs that cannot be parsed.
	ErrInvalidSource = errors.New("invalid credential source")
)

// MissingCredentialError reports a credential that could not be resolved or
// resolved to an empty value.
type MissingCredentialError struct {
	Name   string // logical name, e.g. ANTHROPIC_API_KEY
	Source string // source spec as configured
	Err    error
}

func (e *MissingCredentialError) Error() string {
	msg := fmt.Sprintf("credential %s missing", e.Name)
	if e.Source != "" {
		msg += " (source " + e.Source + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MissingCredentialError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMissingCredential) hold for every MissingCredentialError.
func (e *MissingCredentialError) Is(target error) bool {
	return target == ErrMissingCredential
}

// =============================================================================
// Source Specs
// =============================================================================

// Kind is the scheme of a source spec.
type Kind string

const (
	KindFile    Kind = "file"
	KindJSON    Kind = "json"
	KindEnv     Kind = "env"
	KindKeyring Kind = "keyring"
	KindLiteral Kind = "literal"
)

// Source is a parsed source spec.
//
//	file:<path>                 trimmed file contents
//	json:<path>#<field>         first string value under field anywhere in the document
//	env:<VAR>                   environment variable
//	keyring:<service>/<user>    OS keyring entry
//	literal:<value>             the value itself
type Source struct {
	Kind  Kind
	Path  string // file and json path, env variable, or keyring service
	Field string // json field or keyring user
	Value string // literal value
}

// ParseSource parses a source spec.
func ParseSource(spec string) (Source, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(spec), ":")
	if !ok {
		return Source{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidSource, spec)
	}

	switch Kind(scheme) {
	case KindFile, KindEnv:
		if rest == "" {
			return Source{}, fmt.Errorf("%w: %s needs an argument", ErrInvalidSource, scheme)
		}
		return Source{Kind: Kind(scheme), Path: rest}, nil
	case KindJSON:
		path, field, ok := strings.Cut(rest, "#")
		if !ok || path == "" || field == "" {
			return Source{}, fmt.Errorf("%w: json source must be json:<path>#<field>", ErrInvalidSource)
		}
		return Source{Kind: KindJSON, Path: path, Field: field}, nil
	case KindKeyring:
		service, user, ok := strings.Cut(rest, "/")
		if !ok || service == "" || user == "" {
			return Source{}, fmt.Errorf("%w: keyring source must be keyring:<service>/<user>", ErrInvalidSource)
		}
		return Source{Kind: KindKeyring, Path: service, Field: user}, nil
	case KindLiteral:
		return Source{Kind: KindLiteral, Value: rest}, nil
	default:
		return Source{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidSource, scheme)
	}
}

// String renders the source without exposing literal values.
func (s Source) String() string {
	switch s.Kind {
	case KindJSON:
		return fmt.Sprintf("json:%s#%s", s.Path, s.Field)
	case KindKeyring:
		return fmt.Sprintf("keyring:%s/%s", s.Path, s.Field)
	case KindLiteral:
		return "literal:***"
	default:
		return string(s.Kind) + ":" + s.Path
	}
}

// =============================================================================
// Loader
// =============================================================================

// Loader resolves source specs. The zero value is not usable; call NewLoader.
type Loader struct {
	getenv     func(string) string
	readFile   func(string) ([]byte, error)
	keyringGet func(service, user string) (string, error)
	homeDir    func() (string, error)
}

// Option configures a Loader.
type Option func(*Loader)

// WithGetenv replaces the environment lookup.
func WithGetenv(fn func(string) string) Option {
	return func(l *Loader) { l.getenv = fn }
}

// WithReadFile replaces file reads.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(l *Loader) { l.readFile = fn }
}

// WithHomeDir replaces home directory lookup used for ~ expansion.
func WithHomeDir(fn func() (string, error)) Option {
	return func(l *Loader) { l.homeDir = fn }
}

// NewLoader creates a Loader backed by the process environment, the
// filesystem and the OS keyring.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		getenv:     os.Getenv,
		readFile:   os.ReadFile,
		keyringGet: keyring.Get,
		homeDir:    os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve returns the trimmed value named by spec. An empty value is an error.
func (l *Loader) Resolve(name, spec string) (string, error) {
	src, err := ParseSource(spec)
	if err != nil {
		return "", &MissingCredentialError{Name: name, Source: spec, Err: err}
	}

	value, err := l.resolve(src)
	if err != nil {
		return "", &MissingCredentialError{Name: name, Source: src.String(), Err: err}
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &MissingCredentialError{Name: name, Source: src.String(), Err: errors.New("value is empty")}
	}
	return value, nil
}

// Load resolves every named source. Names are processed in sorted order and
// the first failure is returned.
func (l *Loader) Load(sources map[string]string) (map[string]string, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make(map[string]string, len(sources))
	for _, name := range names {
		value, err := l.Resolve(name, sources[name])
		if err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, nil
}

func (l *Loader) resolve(src Source) (string, error) {
	switch src.Kind {
	case KindFile:
		data, err := l.read(src.Path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case KindJSON:
		data, err := l.read(src.Path)
		if err != nil {
			return "", err
		}
		return findJSONString(data, src.Field)
	case KindEnv:
		return l.getenv(src.Path), nil
	case KindKeyring:
		value, err := l.keyringGet(src.Path, src.Field)
		if err != nil {
			return "", fmt.Errorf("keyring lookup: %w", err)
		}
		return value, nil
	case KindLiteral:
		return src.Value, nil
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", ErrInvalidSource, src.Kind)
	}
}

func (l *Loader) read(path string) ([]byte, error) {
	expanded, err := l.expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := l.readFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	return NewLoader().expandHome(path)
}

func (l *Loader) expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := l.homeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// findJSONString walks the document depth first, visiting object keys in
// sorted order, and returns the first string stored under field.
func findJSONString(data []byte, field string) (string, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	if value, ok := searchJSON(doc, field); ok {
		return value, nil
	}
	return "", fmt.Errorf("field %q not found", field)
}

func searchJSON(node any, field string) (string, bool) {
	switch v := node.(type) {
	case map[string]any:
		if s, ok := v[field].(string); ok {
			return s, true
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := searchJSON(v[k], field); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := searchJSON(item, field); ok {
				return s, true
			}
		}
	}
	return "", false
}
