package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/c360/satbridge/errors"
)

// Limits applied to configuration input.
const (
	maxConfigSize = 10 << 20
	maxJSONDepth  = 100
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

var configExtensions = []string{".json", ".yaml", ".yml"}

// rejectFile describes why path cannot be used. Loader.Load classifies it.
func rejectFile(path, format string, args ...any) error {
	return fmt.Errorf("config file %q: %s", path, fmt.Sprintf(format, args...))
}

// validateConfigPath rejects empty, oversized and traversing paths and
// anything that is not a JSON or YAML file.
func validateConfigPath(path string) error {
	if path == "" {
		return rejectFile(path, "empty config path")
	}
	if len(path) > maxPathLen {
		return rejectFile(path[:64]+"...", "path longer than %d bytes", maxPathLen)
	}

	if !slices.Contains(configExtensions, strings.ToLower(filepath.Ext(path))) {
		return rejectFile(path, "extension must be one of %s", strings.Join(configExtensions, ", "))
	}

	// Relative paths stay under the working directory once resolved.
	if filepath.IsAbs(path) {
		if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
			return rejectFile(path, "path traversal not allowed")
		}
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return rejectFile(path, "resolve path: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return rejectFile(path, "working directory: %v", err)
	}
	if rel, err := filepath.Rel(cwd, abs); err != nil || strings.HasPrefix(rel, "..") {
		return rejectFile(path, "resolves outside the working directory")
	}
	return nil
}

// safeReadFile reads a regular config file of bounded size.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	switch {
	case !info.Mode().IsRegular():
		return nil, rejectFile(path, "not a regular file")
	case info.Size() > maxConfigSize:
		return nil, rejectFile(path, "%d bytes exceeds the %d byte limit", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return data, nil
}

// validateEnvVar bounds the length of an override and rejects NUL bytes.
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%w: %s contains a NUL byte", errors.ErrInvalidConfig, key)
	}
	return nil
}

// validateJSONDepth scans data for bracket nesting deeper than maxJSONDepth
// or unbalanced outside of string literals. It runs before json.Unmarshal.
func validateJSONDepth(data []byte) error {
	var (
		depth    int
		inString bool
		escaped  bool
	)
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting deeper than %d levels", maxJSONDepth)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return fmt.Errorf("malformed JSON: unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed JSON: %d unclosed brackets", depth)
	}
	return nil
}
