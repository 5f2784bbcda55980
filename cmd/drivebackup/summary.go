package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/tinytelemetry/drivebackup/internal/backup"
	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/ledger"
)

var (
	dim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold   = lipgloss.NewStyle().Bold(true)
)

func statusDot(ok bool) string {
	if ok {
		return green.Render("●")
	}
	return red.Render("●")
}

// printReports writes one line per run followed by the error, if any.
func printReports(w io.Writer, reports []backup.Report) {
	if len(reports) == 0 {
		return
	}
	var lines []string
	lines = append(lines, "")
	for _, r := range reports {
		label := fmt.Sprintf("%-4s", r.Kind)
		if !r.OK() {
			lines = append(lines, fmt.Sprintf("  %s  %s  %s at %s: %s",
				statusDot(false), bold.Render(label), red.Render("failed"), r.Stage,
				backuperr.KindOf(r.Err)))
			lines = append(lines, "        "+dim.Render(r.Err.Error()))
			continue
		}

		detail := dim.Render("pruned " + humanize.Comma(int64(r.Pruned)))
		if r.Uploaded.ID != "" {
			detail = fmt.Sprintf("%s  %s  %s",
				cyan.Render(r.Uploaded.Name),
				humanize.IBytes(uint64(max(r.Uploaded.Size, 0))),
				detail)
		}
		lines = append(lines, fmt.Sprintf("  %s  %s  %s  %s",
			statusDot(true), bold.Render(label), detail,
			dim.Render(r.Duration().Round(time.Millisecond).String())))
	}
	lines = append(lines, "")
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

// printHistory renders ledger runs newest first.
func printHistory(w io.Writer, runs []ledger.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dim.Render("no runs recorded"))
		return
	}
	header := bold.Render(fmt.Sprintf("  %-2s %-19s  %-4s %-8s %-32s %10s %6s", "", "STARTED", "KIND", "STAGE", "FILE", "SIZE", "PRUNED"))
	lines := []string{header}
	for _, r := range runs {
		size := "-"
		if r.FileID != "" {
			size = humanize.IBytes(uint64(max(r.SizeBytes, 0)))
		}
		line := fmt.Sprintf("  %s  %-19s  %-4s %-8s %-32s %10s %6d",
			statusDot(r.OK),
			r.StartedAt.Local().Format(time.DateTime),
			r.Kind, r.Stage, truncate(r.FileName, 32), size, r.Pruned)
		lines = append(lines, line)
		if !r.OK && r.Error != "" {
			lines = append(lines, "      "+dim.Render(r.ErrorKind+": "+r.Error))
		}
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func printStartupBanner(w io.Writer, cfg appConfig, addr string) {
	check := green.Render("●")
	dot := dim.Render("●")

	separator := dim.Render("    ─────────────────────────────────")

	var lines []string
	lines = append(lines, "")
	lines = append(lines, "    "+cyan.Bold(true).Render("drivebackup")+" "+dim.Render("v"+version))
	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Status"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(addr)))
	lines = append(lines, fmt.Sprintf("    %s  Metrics        %s", check, cyan.Render("http://"+addr+"/metrics")))
	lines = append(lines, fmt.Sprintf("    %s  Ledger         %s", check, dim.Render(shortenPath(cfg.LedgerPath))))
	if cfg.LedgerRetentionDays > 0 {
		lines = append(lines, fmt.Sprintf("    %s  History        %s", check, dim.Render(fmt.Sprintf("%d days", cfg.LedgerRetentionDays))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  History        %s", dot, dim.Render("kept forever")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Logs           %s", check, dim.Render(shortenPath(cfg.LogDir))))

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
