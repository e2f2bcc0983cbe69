package dispatch

import (
	"sort"
	"strings"
)

// pathRule rewrites one server-side prefix to a worker-side one.
type pathRule struct {
	server string
	worker string
}

// PathMapper translates file paths between the server's filesystem view and
// each worker's. Workers with no configured rules share the server's mounts
// and see paths unchanged; workers with rules can only take jobs whose input
// falls under one of their server prefixes.
type PathMapper struct {
	rules map[string][]pathRule
}

// NewPathMapper parses per-encoder "serverPrefix=workerPrefix" entries.
// Malformed entries are dropped. Rules are ordered longest server prefix
// first so the most specific mount wins.
func NewPathMapper(mappings map[string][]string) *PathMapper {
	m := &PathMapper{rules: make(map[string][]pathRule)}
	for encoderID, entries := range mappings {
		var rules []pathRule
		for _, entry := range entries {
			server, worker, ok := strings.Cut(entry, "=")
			server = strings.TrimSuffix(strings.TrimSpace(server), "/")
			worker = strings.TrimSuffix(strings.TrimSpace(worker), "/")
			if !ok || server == "" || worker == "" {
				continue
			}
			rules = append(rules, pathRule{server: server, worker: worker})
		}
		sort.SliceStable(rules, func(i, j int) bool {
			return len(rules[i].server) > len(rules[j].server)
		})
		if len(rules) > 0 {
			m.rules[encoderID] = rules
		}
	}
	return m
}

// Accessible reports whether the worker can reach the server-side path.
func (m *PathMapper) Accessible(encoderID, serverPath string) bool {
	rules, ok := m.rules[encoderID]
	if !ok {
		return true
	}
	for _, rule := range rules {
		if hasPathPrefix(serverPath, rule.server) {
			return true
		}
	}
	return false
}

// ToWorker rewrites a server-side path into the worker's view. The second
// return is false when no rule covers the path.
func (m *PathMapper) ToWorker(encoderID, serverPath string) (string, bool) {
	rules, ok := m.rules[encoderID]
	if !ok {
		return serverPath, true
	}
	for _, rule := range rules {
		if hasPathPrefix(serverPath, rule.server) {
			return rule.worker + serverPath[len(rule.server):], true
		}
	}
	return "", false
}

// ToServer rewrites a worker-side path back into the server's view. Paths
// under no rule come back unchanged.
func (m *PathMapper) ToServer(encoderID, workerPath string) string {
	rules, ok := m.rules[encoderID]
	if !ok {
		return workerPath
	}
	// Longest worker prefix wins on the way back.
	best := -1
	bestLen := 0
	for i, rule := range rules {
		if hasPathPrefix(workerPath, rule.worker) && len(rule.worker) > bestLen {
			best = i
			bestLen = len(rule.worker)
		}
	}
	if best < 0 {
		return workerPath
	}
	rule := rules[best]
	return rule.server + workerPath[len(rule.worker):]
}

// hasPathPrefix matches prefixes on path component boundaries, so
// "/mnt/media" covers "/mnt/media/film.mkv" but not "/mnt/media2". Rule
// prefixes are normalized without trailing slashes at parse time.
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
