package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/procutil"
)

var (
	upstreamBlockRE = regexp.MustCompile(`upstream\s+(\S+)\s*\{([^}]*)\}`)
	proxyPassRE     = regexp.MustCompile(`proxy_pass\s+http://(\S+?);`)
	upstreamPortRE  = regexp.MustCompile(`server\s+\S+:(\d+)`)
	ssListenRE      = regexp.MustCompile(`:(\d+)\s+.*users:\(\("[^"]+",pid=(\d+)`)
)

var nginxConfDirs = []string{
	"/etc/nginx/sites-enabled",
	"/etc/nginx/conf.d",
}

type nginxRefresher struct {
	confDirs   []string
	listListen func(ctx context.Context) ([]byte, error)
}

// NewNginxRefresher creates the default nginx config + `ss -ltnp` refresher.
func NewNginxRefresher() *nginxRefresher {
	return &nginxRefresher{confDirs: nginxConfDirs, listListen: ssListen}
}

// Refresh parses upstream {} and proxy_pass blocks, then maps each
// upstream's declared port to a listening pid via `ss -ltnp`
// (spec.md §4.4).
func (r *nginxRefresher) Refresh() (map[int32]model.SupervisorBinding, error) {
	out := make(map[int32]model.SupervisorBinding)

	upstreamPorts := r.parseUpstreams()
	if len(upstreamPorts) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
	defer cancel()
	ssOut, err := r.listListen(ctx)
	if err != nil {
		return out, nil
	}

	portToPID := parseSSListen(string(ssOut))
	for name, port := range upstreamPorts {
		pid, ok := portToPID[port]
		if !ok {
			continue
		}
		out[pid] = model.SupervisorBinding{Kind: model.SupervisorNginxUpstream, NginxName: name, NginxPort: port}
	}
	return out, nil
}

// parseUpstreams scans nginx config roots for upstream {} blocks,
// taking each one's port from its own server directive, and for
// proxy_pass targets written as host:port, keyed by that host:port.
// A proxy_pass naming an upstream carries no port and is resolved only
// through the upstream block.
func (r *nginxRefresher) parseUpstreams() map[string]int {
	ports := make(map[string]int)
	for _, dir := range r.confDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			content, err := procutil.ReadFileString(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			for _, m := range upstreamBlockRE.FindAllStringSubmatch(content, -1) {
				name, body := m[1], m[2]
				if pm := upstreamPortRE.FindStringSubmatch(body); len(pm) > 1 {
					if p, err := strconv.Atoi(pm[1]); err == nil {
						ports[name] = p
					}
				}
			}
			for _, m := range proxyPassRE.FindAllStringSubmatch(content, -1) {
				target := strings.SplitN(m[1], "/", 2)[0]
				i := strings.LastIndex(target, ":")
				if _, seen := ports[target]; seen || i < 0 {
					continue
				}
				if p, err := strconv.Atoi(target[i+1:]); err == nil {
					ports[target] = p
				}
			}
		}
	}
	return ports
}

func ssListen(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "ss", "-ltnp").Output()
}

func parseSSListen(out string) map[int]int32 {
	result := make(map[int]int32)
	for _, line := range strings.Split(out, "\n") {
		m := ssListenRE.FindStringSubmatch(line)
		if len(m) != 3 {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		result[port] = procutil.ParseInt32(m[2])
	}
	return result
}
