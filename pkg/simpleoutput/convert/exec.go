package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	execute "github.com/alexellis/go-execute/v2"
	"github.com/spf13/afero"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Runner executes a prepared task. Tests swap it for a fake.
type Runner func(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error)

// DefaultRunner runs the task with go-execute
func DefaultRunner(ctx context.Context, task execute.ExecTask) (execute.ExecResult, error) {
	return task.Execute(ctx)
}

// ExecConverter runs an external command that writes the output tree.
//
// Command is split on whitespace; the placeholders {input}, {output} and
// {name} are replaced in each argument with the input file path, the
// staging directory and the stored name's stem.
type ExecConverter struct {
	Command string

	// InputFromOutput uses this staging subdirectory as {input} instead of a
	// spooled copy of the artifact, e.g. after an archive was extracted.
	InputFromOutput string

	// Spool receives the artifact copy handed to the command. Defaults to
	// the OS temp directory.
	Spool  afero.Fs
	Runner Runner
	Logger *slog.Logger
}

// Exec returns an ExecConverter for command
func Exec(command string, logger *slog.Logger) *ExecConverter {
	return &ExecConverter{Command: command, Logger: logger}
}

func (c *ExecConverter) Convert(ctx context.Context, req simpleoutput.ConvertRequest) error {
	fields := strings.Fields(c.Command)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty command", simpleoutput.ErrConversionFailed)
	}
	runner := c.Runner
	if runner == nil {
		runner = DefaultRunner
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var input string
	if c.InputFromOutput != "" {
		input = filepath.Join(req.OutputDir, filepath.FromSlash(c.InputFromOutput))
	} else {
		spool := c.Spool
		if spool == nil {
			spool = afero.NewOsFs()
		}
		tmp, _, err := spoolArtifact(ctx, spool, req, "*"+req.Artifact.Extension)
		if err != nil {
			return err
		}
		input = tmp.Name()
		tmp.Close()
		defer spool.Remove(input)
	}

	stem, _ := simpleoutput.SplitExt(req.Artifact.StoredName)
	replacer := strings.NewReplacer("{input}", input, "{output}", req.OutputDir, "{name}", stem)
	args := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, replacer.Replace(f))
	}

	task := execute.ExecTask{
		Command:     fields[0],
		Args:        args,
		Cwd:         req.OutputDir,
		StreamStdio: false,
	}

	logger.DebugContext(ctx, "Executing converter", "command", task.Command, "args", task.Args, "artifact_id", req.Artifact.ID)
	res, err := runner(ctx, task)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		return fmt.Errorf("%w: %s: %v", simpleoutput.ErrConversionFailed, task.Command, err)
	}
	if res.ExitCode != 0 {
		logger.WarnContext(ctx, "Converter exited non-zero", "command", task.Command, "exit_code", res.ExitCode, "stderr", res.Stderr)
		return fmt.Errorf("%w: %s exited with code %d: %s", simpleoutput.ErrConversionFailed,
			task.Command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
