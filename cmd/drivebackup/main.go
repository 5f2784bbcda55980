package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maruel/subcommands"

	"github.com/tinytelemetry/drivebackup/internal/ledger"
	"github.com/tinytelemetry/drivebackup/internal/logging"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

var application = &subcommands.DefaultApplication{
	Name:  "drivebackup",
	Title: "Back up a PostgreSQL database and a directory tree to Google Drive.",
	Commands: []*subcommands.Command{
		subcommands.CmdHelp,
		cmdDB,
		cmdDir,
		cmdAll,
		cmdPrune,
		cmdHistory,
		cmdServe,
		cmdVersion,
	},
}

func main() {
	os.Exit(subcommands.Run(application, nil))
}

// baseRun carries the flags every command shares.
type baseRun struct {
	subcommands.CommandRunBase
	configPath string
	logLevel   string
}

func (r *baseRun) registerBaseFlags() {
	r.Flags.StringVar(&r.configPath, "config", "", "config file (default is $HOME/.config/drivebackup/config.yml)")
	r.Flags.StringVar(&r.logLevel, "log-level", "", "console log level; overrides the config file")
}

// session is the runtime state a command works with.
type session struct {
	cfg      appConfig
	log      *slog.Logger
	closeLog io.Closer
	ledger   *ledger.Store
}

// open loads configuration and sets up logging. No remote or local work
// happens before the configuration has been validated.
func (r *baseRun) open() (*session, error) {
	cfg, err := loadConfig(r.configPath)
	if err != nil {
		return nil, err
	}
	if r.logLevel != "" {
		if _, err := logging.ParseLevel(r.logLevel); err != nil {
			return nil, configErrorf("%v", err)
		}
		cfg.LogLevel = r.logLevel
	}

	logger, closer, err := logging.New(logging.Config{Dir: cfg.LogDir, Level: cfg.LogLevel})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "config_file", cfg.ConfigPath, "version", version)
	return &session{cfg: cfg, log: logger, closeLog: closer}, nil
}

// openLedger opens the run ledger when one is configured.
func (s *session) openLedger(ctx context.Context) error {
	if s.cfg.LedgerPath == "" {
		return nil
	}
	store, err := ledger.Open(ctx, s.cfg.LedgerPath)
	if err != nil {
		return err
	}
	s.ledger = store
	return nil
}

func (s *session) Close() {
	if s == nil {
		return
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.log.Warn("failed to close ledger", "error", err)
		}
	}
	if s.closeLog != nil {
		_ = s.closeLog.Close()
	}
}

func (r *baseRun) done(a subcommands.Application, err error) int {
	if err != nil {
		fmt.Fprintf(a.GetErr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var cmdVersion = &subcommands.Command{
	UsageLine: "version",
	ShortDesc: "prints version information",
	CommandRun: func() subcommands.CommandRun {
		return &versionRun{}
	},
}

type versionRun struct {
	subcommands.CommandRunBase
}

func (r *versionRun) Run(a subcommands.Application, _ []string, _ subcommands.Env) int {
	out := a.GetOut()
	fmt.Fprintf(out, "drivebackup - Google Drive backups\n")
	fmt.Fprintf(out, "  Version:    %s\n", version)
	fmt.Fprintf(out, "  Commit:     %s\n", commit)
	fmt.Fprintf(out, "  Built:      %s\n", buildTime)
	fmt.Fprintf(out, "  Go version: %s\n", goVersion)
	return 0
}
