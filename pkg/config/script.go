package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ScriptCommand is one scheduled mutation: at Time seconds after the workload
// starts, Command is executed as if it arrived on the command channel.
type ScriptCommand struct {
	Time    uint64
	Command string
}

// CommandScript is the parsed --command_script, ordered as written.
type CommandScript []ScriptCommand

// ParseScript parses "time1:command1;time2:command2;...". A time is an
// unsigned integer with an optional s (seconds, default) or m (minutes)
// suffix. An empty string yields an empty script.
func ParseScript(s string) (CommandScript, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var script CommandScript
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		i := strings.IndexByte(entry, ':')
		if i < 0 {
			return nil, errors.Errorf("invalid command script entry %q: missing ':'", entry)
		}
		timeStr := strings.TrimSpace(entry[:i])
		cmd := strings.TrimSpace(entry[i+1:])
		if cmd == "" {
			return nil, errors.Errorf("invalid command script entry %q: empty command", entry)
		}
		mult := uint64(1)
		switch {
		case strings.HasSuffix(timeStr, "m"):
			mult = 60
			timeStr = timeStr[:len(timeStr)-1]
		case strings.HasSuffix(timeStr, "s"):
			timeStr = timeStr[:len(timeStr)-1]
		}
		t, err := strconv.ParseUint(timeStr, 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid command script entry %q: bad time %q", entry, entry[:i])
		}
		script = append(script, ScriptCommand{Time: t * mult, Command: cmd})
	}
	return script, nil
}
