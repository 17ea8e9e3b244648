package remote

import (
	"fmt"
	"os"
	"strings"
)

// WithKeyFile writes key to a private temporary file, calls fn with its
// path and removes the file afterwards, whether fn fails or not.
func WithKeyFile(dir, key string, fn func(path string) error) error {
	f, err := os.CreateTemp(dir, "devflow_key_*")
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	if _, err := f.WriteString(key); err != nil {
		f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	return fn(path)
}
