// Package cli holds the operator commands of corebankctl.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/corebank/internal/app"
)

// App carries what the subcommands share and the exit status they settle on.
type App struct {
	LoadConfig func() (*app.Config, error)
	Stdout     io.Writer
	Stderr     io.Writer

	code int
}

// ExitCode is the status the process should exit with after Execute.
func (a *App) ExitCode() int {
	return a.code
}

func (a *App) config() (*app.Config, error) {
	if a.LoadConfig != nil {
		return a.LoadConfig()
	}
	return app.LoadConfig()
}

func (a *App) logger(cfg *app.Config) *slog.Logger {
	if cfg == nil {
		return slog.New(slog.NewTextHandler(a.stderr(), nil))
	}
	return app.NewLogger(cfg)
}

func (a *App) stdout() io.Writer {
	if a.Stdout != nil {
		return a.Stdout
	}
	return os.Stdout
}

func (a *App) stderr() io.Writer {
	if a.Stderr != nil {
		return a.Stderr
	}
	return os.Stderr
}

// NewRootCommand creates the root command with every subcommand registered.
func NewRootCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "corebankctl",
		Short: "Operator tooling for the core banking ledger",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	root.SetOut(a.stdout())
	root.SetErr(a.stderr())

	root.AddCommand(newMigrateCommand(a))
	root.AddCommand(newJobsCommand(a))
	root.AddCommand(newIntegrityCommand(a))
	return root
}
