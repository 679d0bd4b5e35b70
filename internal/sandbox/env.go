package sandbox

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFileName is the file written inside each group's env directory.
const EnvFileName = "env"

// EnvWriter produces the restricted environment file exposed to sandboxes.
// Only allowlisted variables are written, taken from the source file when
// one is configured and from the process environment otherwise.
type EnvWriter struct {
	allow  []string
	source string
	lookup func(string) (string, bool)
}

func NewEnvWriter(allow []string, sourceFile string) *EnvWriter {
	return &EnvWriter{allow: allow, source: sourceFile, lookup: os.LookupEnv}
}

// Values returns the allowlisted variables that have a value.
func (w *EnvWriter) Values() (map[string]string, error) {
	fromFile := map[string]string{}
	if w.source != "" {
		data, err := os.ReadFile(w.source)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		if fromFile, err = godotenv.Parse(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parse env file %s: %w", w.source, err)
		}
	}
	out := make(map[string]string, len(w.allow))
	for _, key := range w.allow {
		if v, ok := fromFile[key]; ok && v != "" {
			out[key] = v
			continue
		}
		if v, ok := w.lookup(key); ok && v != "" {
			out[key] = v
		}
	}
	return out, nil
}

// Write renders the env file into dir with owner-only permissions and
// returns dir.
func (w *EnvWriter) Write(dir string) (string, error) {
	vals, err := w.Values()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create env dir: %w", err)
	}
	var buf bytes.Buffer
	for _, key := range w.allow {
		if v, ok := vals[key]; ok {
			fmt.Fprintf(&buf, "%s=%s\n", key, v)
		}
	}
	path := filepath.Join(dir, EnvFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("write env file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write env file: %w", err)
	}
	return dir, nil
}
