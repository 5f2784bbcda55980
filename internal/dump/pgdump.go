// Package dump produces database backup artifacts by invoking an external
// dump utility.
package dump

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tinytelemetry/drivebackup/internal/artifact"
	"github.com/tinytelemetry/drivebackup/internal/backuperr"
)

const defaultBinary = "pg_dump"

// Output is a successfully written dump file.
type Output struct {
	Path string
	Size int64
}

// Dumper writes one database dump to dest.
type Dumper interface {
	Dump(ctx context.Context, dest string) (Output, error)
}

// PgDump invokes pg_dump in custom format. The password is handed to the
// child through PGPASSWORD so it never shows up in a process listing.
type PgDump struct {
	Runner   Runner
	Binary   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Logger   *slog.Logger
}

func (p *PgDump) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *PgDump) command(dest string) Command {
	bin := p.Binary
	if bin == "" {
		bin = defaultBinary
	}
	return Command{
		Path: bin,
		Args: []string{
			"--format=custom",
			"--host", p.Host,
			"--port", strconv.Itoa(p.Port),
			"--username", p.User,
			"--dbname", p.Database,
			"--file", dest,
		},
		Env: []string{"PGPASSWORD=" + p.Password},
	}
}

// Dump runs pg_dump once. On a non-zero exit the partial destination file is
// removed.
func (p *PgDump) Dump(ctx context.Context, dest string) (Output, error) {
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	log := p.logger().With("db_name", p.Database, "db_host", p.Host, "output", dest)
	log.Info("starting database dump")

	res, err := runner.Run(ctx, p.command(dest))
	if err != nil {
		log.Error("failed to spawn dump process", "error", err)
		return Output{}, backuperr.New(backuperr.ExternalTool, "spawn pg_dump", err)
	}

	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(string(res.Stderr))
		log.Error("dump process failed", "exit_code", res.ExitCode, "stderr", stderr)
		artifact.Discard(log, dest)
		return Output{}, backuperr.Errorf(backuperr.ExternalTool, "pg_dump",
			"exited with status %d: %s", res.ExitCode, stderr)
	}

	info, err := os.Stat(dest)
	if err != nil {
		log.Error("failed to stat dump output", "error", err)
		return Output{}, backuperr.Errorf(backuperr.ExternalTool, "pg_dump",
			"exited successfully but output is unavailable: %w", err)
	}

	log.Info("database dump completed",
		"size_bytes", info.Size(),
		"size", humanize.IBytes(uint64(info.Size())))
	return Output{Path: dest, Size: info.Size()}, nil
}
