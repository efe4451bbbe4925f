package command

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/control"
	"github.com/runningwild/grind/pkg/logx"
	"github.com/runningwild/grind/pkg/report"
)

// Handler is the single dispatch point behind every command ingress: stdin,
// the socket server and the scripted schedule all feed it.
type Handler struct {
	ctrl *control.Controller
	rep  *report.Reporter
	stop context.CancelFunc
}

func NewHandler(ctrl *control.Controller, rep *report.Reporter, stop context.CancelFunc) *Handler {
	return &Handler{ctrl: ctrl, rep: rep, stop: stop}
}

// Handle executes one command line. Failures are reported on the caller's
// output controller; the running workload is never affected by a rejected
// command.
func (h *Handler) Handle(line string, oc *logx.OutputController) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	switch {
	case line == "stop":
		oc.Infof("stopping")
		h.stop()

	case strings.HasPrefix(line, "shift_report_time"):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "shift_report_time"))
		arg = strings.TrimPrefix(arg, "=")
		ms, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			oc.Errorf("invalid value for the command shift_report_time: %q", arg)
			return
		}
		if err := h.rep.ShiftReportTime(ms); err != nil {
			oc.Errorf("%v", err)
			return
		}
		oc.Infof("set shift_report_time=%d", ms)

	default:
		if err := h.ctrl.Execute(line, oc); err != nil {
			oc.Errorf("%v", err)
		}
	}
}

// RunScript dispatches each scripted command once its scheduled time has
// passed. Responses go to the process logger.
func (h *Handler) RunScript(ctx context.Context, script config.CommandScript) {
	if len(script) == 0 {
		return
	}
	oc := logx.NewOutput(nil)
	start := time.Now()
	for _, sc := range script {
		due := start.Add(time.Duration(sc.Time) * time.Second)
		if d := time.Until(due); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		oc.Infof("script command: %s", sc.Command)
		h.Handle(sc.Command, oc)
	}
}
