// Package hooks holds logrus hooks shared by gpubatch binaries.
package hooks

import (
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
)

type contextHook struct {
	// Path element after which the source location is reported.
	root string
}

// NewContextHook adds a "file:line" field pointing at the logging call site.
func NewContextHook() contextHook {
	return contextHook{root: "gpubatch/"}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook contextHook) Fire(entry *log.Entry) error {
	entry.Data["file:line"] = hook.callSite(string(debug.Stack()))
	return nil
}

// callSite walks the stack dump past the logrus frames and returns the first
// frame outside of logrus, trimmed to a repo-relative path.
func (hook contextHook) callSite(stack string) string {
	lines := strings.Split(stack, "\n")
	foundLoggerBlock := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.Contains(line, "context_hook.go:") {
			foundLoggerBlock = true
			continue
		}
		if !foundLoggerBlock || !strings.HasPrefix(line, "\t") {
			continue
		}
		if strings.Contains(line, "sirupsen/logrus") {
			continue
		}
		ctx := strings.Split(line, hook.root)
		loc := strings.TrimSpace(ctx[len(ctx)-1])
		if idx := strings.LastIndex(loc, " +0x"); idx > 0 {
			loc = loc[:idx]
		}
		return loc
	}
	return ""
}
