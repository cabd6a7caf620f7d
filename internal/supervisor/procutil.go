package supervisor

import (
	"strconv"
	"strings"

	"github.com/sentryd/sentryd/internal/procutil"
)

func parsePidDir(name string) int32 {
	return procutil.ParseInt32(name)
}

func itoa(pid int32) string {
	return strconv.Itoa(int(pid))
}

// readPPID reads /proc/<pid>/stat and returns its parent pid, or 0.
func readPPID(pid int32) int32 {
	content, err := procutil.ReadFileString("/proc/" + itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	closeIdx := strings.LastIndex(content, ")")
	if closeIdx < 0 {
		return 0
	}
	rest := strings.Fields(content[closeIdx+2:])
	if len(rest) < 2 {
		return 0
	}
	return procutil.ParseInt32(rest[1])
}
