package supervisor

import (
	"context"
	"os/exec"
	"strings"

	"github.com/sentryd/sentryd/internal/procutil"
)

// systemctlMainPID shells out to `systemctl show -p MainPID <unit>` and
// parses "MainPID=1234" from the output.
func systemctlMainPID(ctx context.Context, unit string) (int32, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "show", "-p", "MainPID", unit)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(string(out))
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return 0, nil
	}
	return procutil.ParseInt32(parts[1]), nil
}
