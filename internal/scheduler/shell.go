package scheduler

import (
	"context"
	"os/exec"
	"strings"

	gerrors "gobby/internal/errors"
)

const maxShellOutput = 64 * 1024

// runShellCommand executes command under sh -c and returns its combined
// output, truncated to a bounded size for the run record.
func runShellCommand(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if len(output) > maxShellOutput {
		output = output[:maxShellOutput]
	}
	if err != nil {
		return output, gerrors.Wrap(gerrors.KindInternal, err, "shell command failed")
	}
	return output, nil
}
