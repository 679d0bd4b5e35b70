package cli

import (
	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/config"
	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/internal/scheduler"
	"github.com/kinshell/kinshell/internal/store/sqlite"
)

// admin is the store-level toolkit used by the management commands. It
// talks to the database directly; a running host picks changes up on its
// next poll or registry cache expiry.
type admin struct {
	cfg       *config.Config
	store     *sqlite.Store
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	closeLog  func() error
}

func openAdmin(cmd *cobra.Command) (*admin, error) {
	cfg, err := loadLocalConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	st, err := sqlite.Open(cfg.Paths.StorePath)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	reg, err := registry.New(registry.Options{Store: st, Logger: logger})
	if err != nil {
		_ = st.Close()
		_ = closeLog()
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		_ = st.Close()
		_ = closeLog()
		return nil, err
	}
	sched, err := scheduler.New(scheduler.Options{Store: st, Location: loc, AssistantName: cfg.Assistant.Name, Logger: logger})
	if err != nil {
		_ = st.Close()
		_ = closeLog()
		return nil, err
	}
	return &admin{cfg: cfg, store: st, registry: reg, scheduler: sched, closeLog: closeLog}, nil
}

func (a *admin) Close() error {
	err := a.store.Close()
	_ = a.closeLog()
	return err
}

// withAdmin runs fn with an open admin and maps its error to an exit code.
func withAdmin(fn func(cmd *cobra.Command, args []string, a *admin) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openAdmin(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return classify(fn(cmd, args, a))
	}
}
