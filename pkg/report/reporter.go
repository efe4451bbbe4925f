package report

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/logx"
	"github.com/runningwild/grind/pkg/stats"
)

// maxShiftTries bounds how often a new shift yields to one the reporter has
// not consumed yet before overwriting it.
const maxShiftTries = 2

// Reporter emits one STATS record per interval. It keeps its own correction
// clock so that emission times do not drift with scheduling jitter, and it
// accepts a one-shot schedule shift from the command channel.
type Reporter struct {
	cfg *config.Config
	acc *stats.Accumulator

	// pending shift in microseconds, consumed once per period
	shift atomic.Int64
}

func New(cfg *config.Config, acc *stats.Accumulator) *Reporter {
	return &Reporter{cfg: cfg, acc: acc}
}

// ShiftReportTime schedules a one-time +-ms adjustment of the next emission.
func (r *Reporter) ShiftReportTime(ms int64) error {
	limit := int64(700) * int64(r.cfg.StatsInterval)
	if ms >= limit || ms <= -limit {
		return errors.Errorf("invalid shift_report_time %d ms: must be in (-%d..%d)", ms, limit, limit)
	}
	us := ms * 1000
	for i := 0; i < maxShiftTries; i++ {
		if r.shift.CompareAndSwap(0, us) {
			return nil
		}
	}
	r.shift.Store(us)
	return nil
}

// Run emits records until the context is canceled. A computed sleep of twice
// the interval or more means the clock arithmetic went wrong and is fatal.
func (r *Reporter) Run(ctx context.Context) error {
	start := time.Now()
	resetAt := start
	last := r.acc.Snapshot()
	lastAt := start

	for {
		interval := time.Duration(r.cfg.StatsInterval) * time.Second
		sleep := interval - time.Since(resetAt) + time.Duration(r.shift.Swap(0))*time.Microsecond
		if sleep >= 2*interval {
			return errors.Errorf("reporter sleep %v exceeds twice the %v interval", sleep, interval)
		}
		if sleep < 0 {
			sleep = 0
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		resetAt = time.Now()

		cur := r.acc.Snapshot()
		now := time.Now()
		delta := cur.Sub(last)
		elapsed := now.Sub(lastAt)
		last, lastAt = cur, now

		hist := r.acc.SwapLatency()
		if r.cfg.ConsumeChanged() {
			// The interval straddles a knob change; its delta would mix
			// two regimes.
			continue
		}

		secs := elapsed.Seconds()
		if secs <= 0 {
			continue
		}
		var sb strings.Builder
		add := func(k, v string) {
			if sb.Len() > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(`"` + k + `":"` + v + `"`)
		}
		add("time", strconv.FormatInt(int64(now.Sub(start).Seconds()), 10))
		add("total_MiB/s", strconv.FormatFloat(float64(delta.KiBRead+delta.KiBWrite)/1024/secs, 'f', 2, 64))
		add("read_MiB/s", strconv.FormatFloat(float64(delta.KiBRead)/1024/secs, 'f', 2, 64))
		add("write_MiB/s", strconv.FormatFloat(float64(delta.KiBWrite)/1024/secs, 'f', 2, 64))
		add("blocks/s", strconv.FormatFloat(float64(delta.Blocks)/secs, 'f', 1, 64))
		add("blocks_read/s", strconv.FormatFloat(float64(delta.BlocksRead)/secs, 'f', 1, 64))
		add("blocks_write/s", strconv.FormatFloat(float64(delta.BlocksWrite)/secs, 'f', 1, 64))
		add("lat_p50_us", strconv.FormatInt(hist.ValueAtQuantile(50), 10))
		add("lat_p99_us", strconv.FormatInt(hist.ValueAtQuantile(99), 10))
		logx.Output("STATS: {%s, %s}", sb.String(), r.cfg.StatsLine())
	}
}
