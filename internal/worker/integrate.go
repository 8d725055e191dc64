package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/msageha/isolate/internal/model"
)

// Integrator lands a ReadyToMerge entry on the target branch.
type Integrator interface {
	Integrate(ctx context.Context, entry model.QueueEntry, workingDir string) error
}

// HeadResolver reports the current HEAD commit of the integration target.
type HeadResolver interface {
	HeadSHA(ctx context.Context) (string, error)
}

// NoopIntegrator accepts every entry. Used when integration happens outside
// the worker and the queue only records the decision.
type NoopIntegrator struct{}

func (NoopIntegrator) Integrate(context.Context, model.QueueEntry, string) error { return nil }

// CommandIntegrator runs a fixed command in the workspace checkout. The entry
// is described to the command through ISOLATE_* environment variables.
type CommandIntegrator struct {
	Argv []string
}

func (c CommandIntegrator) Integrate(ctx context.Context, entry model.QueueEntry, workingDir string) error {
	if len(c.Argv) == 0 {
		return errors.New("integrate command is empty")
	}
	return runEntryCommand(ctx, c.Argv, entry, workingDir)
}

// Rebaser brings a workspace checkout up to date with the integration target
// before a stale entry is retested.
type Rebaser interface {
	Rebase(ctx context.Context, entry model.QueueEntry, workingDir, targetHead string) error
}

// NoopRebaser leaves the checkout alone. Suitable when the gates themselves
// test the workspace merged with the current target.
type NoopRebaser struct{}

func (NoopRebaser) Rebase(context.Context, model.QueueEntry, string, string) error { return nil }

// CommandRebaser runs a fixed command in the workspace checkout, typically a
// fetch and rebase onto the target branch. ISOLATE_TARGET_HEAD carries the
// commit the entry must be rebased onto.
type CommandRebaser struct {
	Argv []string
}

func (c CommandRebaser) Rebase(ctx context.Context, entry model.QueueEntry, workingDir, targetHead string) error {
	if len(c.Argv) == 0 {
		return errors.New("rebase command is empty")
	}
	return runEntryCommand(ctx, c.Argv, entry, workingDir, "ISOLATE_TARGET_HEAD="+targetHead)
}

// NewRebaser returns a CommandRebaser for a configured command and a
// NoopRebaser otherwise.
func NewRebaser(argv []string) Rebaser {
	if len(argv) == 0 {
		return NoopRebaser{}
	}
	return CommandRebaser{Argv: argv}
}

// runEntryCommand runs argv in workingDir with the entry described through
// ISOLATE_* environment variables. A failure carries the tail of the output.
func runEntryCommand(ctx context.Context, argv []string, entry model.QueueEntry, workingDir string, env ...string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(),
		"ISOLATE_WORKSPACE="+entry.Workspace,
		fmt.Sprintf("ISOLATE_QUEUE_ID=%d", entry.ID),
	)
	if entry.BeadID != nil {
		cmd.Env = append(cmd.Env, "ISOLATE_BEAD_ID="+*entry.BeadID)
	}
	if entry.HeadSHA != nil {
		cmd.Env = append(cmd.Env, "ISOLATE_HEAD_SHA="+*entry.HeadSHA)
	}
	cmd.Env = append(cmd.Env, env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > 200 {
			msg = msg[len(msg)-200:]
		}
		if msg == "" {
			return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
		}
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, msg)
	}
	return nil
}

// NewIntegrator returns a CommandIntegrator for a configured command and a
// NoopIntegrator otherwise.
func NewIntegrator(argv []string) Integrator {
	if len(argv) == 0 {
		return NoopIntegrator{}
	}
	return CommandIntegrator{Argv: argv}
}
