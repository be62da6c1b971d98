package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("FFmpeg")

// ExitError is returned when the encoder subprocess exits non-zero. The
// last line of its stderr stream is captured as the user-visible reason.
type ExitError struct {
	Code       int
	LastStderr string
}

func (e *ExitError) Error() string {
	if e.LastStderr == "" {
		return fmt.Sprintf("encoder exited with code %d", e.Code)
	}

	return e.LastStderr
}

// TranscodeCommand supervises a single encoder subprocess. Progress is
// parsed from stdout line by line; stderr is drained concurrently with the
// last line retained for failure reporting. Cancelling the context kills
// the subprocess with SIGKILL.
type TranscodeCommand struct {
	binPath        string
	options        Options
	runningCommand *exec.Cmd
}

func NewCmd(binPath string, options Options) *TranscodeCommand {
	return &TranscodeCommand{binPath: binPath, options: options}
}

func (cmd *TranscodeCommand) Run(ctx context.Context, updateHandler func(Progress)) error {
	command := exec.CommandContext(ctx, cmd.binPath, cmd.options.Args()...)

	stdout, err := command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to encoder stdout: %w", err)
	}

	stderr, err := command.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to encoder stderr: %w", err)
	}

	if err := command.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	cmd.runningCommand = command
	log.Debugf("Started %s\n", cmd)

	// Drain stderr concurrently so the subprocess can never block on a
	// full pipe; only the final line is retained.
	var (
		wg         sync.WaitGroup
		lastStderr string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lastStderr = line
			}
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		progress, ok := ParseProgressLine(scanner.Text())
		if !ok {
			continue
		}

		updateHandler(progress)
	}

	wg.Wait()
	waitErr := command.Wait()
	cmd.runningCommand = nil

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode(), LastStderr: lastStderr}
		}

		return fmt.Errorf("encoder wait failed: %w", waitErr)
	}

	return nil
}

func (cmd *TranscodeCommand) String() string {
	pid := -1
	if cmd.runningCommand != nil && cmd.runningCommand.Process != nil {
		pid = cmd.runningCommand.Process.Pid
	}

	return fmt.Sprintf("{ffmpeg pid=%d | in_path=%s | out_path=%s}", pid, cmd.options.InputPath, cmd.options.OutputPath)
}
