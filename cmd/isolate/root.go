package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/msageha/isolate/internal/lock"
	"github.com/msageha/isolate/internal/logging"
	"github.com/msageha/isolate/internal/metrics"
	"github.com/msageha/isolate/internal/queue"
	"github.com/msageha/isolate/internal/setup"
	"github.com/msageha/isolate/internal/store"
	"github.com/msageha/isolate/internal/worker"
)

const (
	noProject   = "no-project"
	longRunning = "long-running"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	jsonOut    bool
	projectDir string
	configPath string
	logLevel   string
	logFile    string
	agent      string

	project *setup.Project
	logOut  io.Writer
	logFh   *os.File
	level   logging.LogLevel
	db      *store.DB
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{metrics: metrics.New()}

	cmd := &cobra.Command{
		Use:           "isolate",
		Short:         "Session locks, merge queue and build coordination for parallel agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.openLogOutput(cmd); err != nil {
				return err
			}
			if cmd.Annotations[noProject] == "" {
				if err := a.loadProject(); err != nil {
					return err
				}
			}
			a.level = a.resolveLevel(cmd)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVar(&a.jsonOut, "json", false, "Print machine readable JSON")
	pf.StringVarP(&a.projectDir, "project", "C", ".", "Directory to search upward from for .isolate/")
	pf.StringVar(&a.configPath, "config", "", "Path to config.yaml (overrides discovery)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	pf.StringVar(&a.logFile, "log-file", "", "Append logs to this file instead of stderr")
	pf.StringVar(&a.agent, "agent", "", "Agent identity (default $ISOLATE_AGENT_ID, else hostname-pid)")

	cmd.AddCommand(newInitCmd(a))
	cmd.AddCommand(newLockCmd(a))
	cmd.AddCommand(newUnlockCmd(a))
	cmd.AddCommand(newHeartbeatCmd(a))
	cmd.AddCommand(newLocksCmd(a))
	cmd.AddCommand(newQueueCmd(a))
	cmd.AddCommand(newWorkerCmd(a))
	cmd.AddCommand(newBuildCmd(a))
	cmd.AddCommand(newVersionCmd(a))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	return cmd
}

func (a *app) openLogOutput(cmd *cobra.Command) error {
	a.logOut = cmd.ErrOrStderr()
	if a.logFile != "" {
		f, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFh = f
		a.logOut = f
	}
	return nil
}

func (a *app) loadProject() error {
	var (
		p   *setup.Project
		err error
	)
	if a.configPath != "" {
		p, err = setup.OpenConfig(a.configPath)
	} else {
		p, err = setup.Open(a.projectDir)
	}
	if err != nil {
		return err
	}
	a.project = p
	return nil
}

// resolveLevel picks the log threshold. --log-level wins. The configured
// level applies to long-running commands and file logging; one-shot commands
// otherwise only report warnings and errors on stderr.
func (a *app) resolveLevel(cmd *cobra.Command) logging.LogLevel {
	if a.logLevel != "" {
		return logging.ParseLogLevel(a.logLevel)
	}
	if a.project != nil && a.project.Config.Logging.Level != "" &&
		(cmd.Annotations[longRunning] != "" || a.logFile != "") {
		return logging.ParseLogLevel(a.project.Config.Logging.Level)
	}
	return logging.LogLevelWarn
}

func (a *app) logger(component string) *logging.Logger {
	return logging.New(log.New(a.logOut, "", 0), a.level, component)
}

func (a *app) store(ctx context.Context) (*store.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := store.Open(ctx, a.project.Path(a.project.Config.Store.Path))
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) lockManager(ctx context.Context) (*lock.Manager, error) {
	db, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	m := lock.NewManager(db, a.project.Config.Locks, a.logger("lock"))
	m.SetMetrics(a.metrics)
	return m, nil
}

func (a *app) queue(ctx context.Context) (*queue.Queue, error) {
	db, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	q := queue.New(db, a.project.Config.Queue, a.logger("queue"))
	q.SetMetrics(a.metrics)
	return q, nil
}

// agentID resolves the caller identity: --agent, then $ISOLATE_AGENT_ID,
// then hostname-pid.
func (a *app) agentID() string {
	if a.agent != "" {
		return a.agent
	}
	if id := os.Getenv("ISOLATE_AGENT_ID"); id != "" {
		return id
	}
	return worker.DefaultID()
}

func (a *app) close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	if a.logFh != nil {
		a.logFh.Close()
		a.logFh = nil
	}
	return err
}

// emit prints v as JSON under --json, otherwise calls text.
func (a *app) emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if a.jsonOut {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	text(w)
	return nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noProject: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.emit(cmd, map[string]string{"version": version}, func(w io.Writer) {
				fmt.Fprintf(w, "isolate %s\n", version)
			})
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:         "init [dir]",
		Short:       "Create .isolate/ with a default config and state database",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{noProject: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			res, err := setup.Run(cmd.Context(), dir, name)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "Initialized %s (schema v%d)\n", res.StateDir, res.SchemaVersion)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project name (default: directory name)")
	return cmd
}
