package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/config"
)

func defaultConfigPath() string {
	for _, p := range []string{"config.yml", "config.yaml", "/etc/kinshell/config.yaml", "/etc/kinshell/config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "/etc/kinshell/config.yaml"
}

func loadLocalConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &ExitError{code: exitUsage, err: err}
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section. The
// returned closer releases a log file when one was opened.
func newLogger(cfg config.LoggingConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	out, closer := stderr, func() error { return nil }
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		out, closer = f, f.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}
