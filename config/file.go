// Package config provides file-backed outbox.PropertySource implementations and live reload.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/velmie/outbox/v2"
)

var (
	// ErrPathRequired is returned when a file source is built without a path.
	ErrPathRequired = errors.New("outbox config: path is required")
	// ErrUnsupportedValue is returned for YAML sequences, which have no property form.
	ErrUnsupportedValue = errors.New("outbox config: unsupported value")
)

// File is a PropertySource backed by a YAML document. Nested mappings are flattened into dotted
// keys, so
//
//	outbox:
//	  ORDER_CREATED:
//	    load.events.batch: 25
//
// yields outbox.ORDER_CREATED.load.events.batch=25. Lookups read an immutable snapshot that
// Reload swaps atomically.
type File struct {
	path   string
	values atomic.Pointer[map[string]string]
}

var _ outbox.PropertySource = (*File)(nil)

// Load reads path into a new File.
func Load(path string) (*File, error) {
	if path == "" {
		return nil, ErrPathRequired
	}

	f := &File{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}

	return f, nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Lookup implements outbox.PropertySource.
func (f *File) Lookup(key string) (string, bool) {
	values := f.values.Load()
	if values == nil {
		return "", false
	}

	value, ok := (*values)[key]

	return value, ok
}

// Keys returns every flattened key, sorted.
func (f *File) Keys() []string {
	values := f.values.Load()
	if values == nil {
		return nil
	}

	keys := make([]string, 0, len(*values))
	for key := range *values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

// Reload re-reads the file. On error the previous snapshot stays in effect.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("outbox config: read %s: %w", f.path, err)
	}

	values, err := Parse(data)
	if err != nil {
		return fmt.Errorf("outbox config: parse %s: %w", f.path, err)
	}
	f.values.Store(&values)

	return nil
}

// Parse flattens a YAML document into dotted property keys.
func Parse(data []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	out := make(map[string]string)
	if err := flatten("", doc, out); err != nil {
		return nil, err
	}

	return out, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) error {
	for key, value := range node {
		if prefix != "" {
			key = prefix + "." + key
		}

		switch v := value.(type) {
		case map[string]any:
			if err := flatten(key, v, out); err != nil {
				return err
			}
		case []any:
			return fmt.Errorf("%w: %s is a sequence", ErrUnsupportedValue, key)
		case nil:
			out[key] = ""
		case string:
			out[key] = v
		case bool:
			out[key] = strconv.FormatBool(v)
		case int:
			out[key] = strconv.Itoa(v)
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			out[key] = fmt.Sprint(v)
		}
	}

	return nil
}
