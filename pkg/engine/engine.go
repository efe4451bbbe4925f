package engine

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/shape"
	"github.com/runningwild/grind/pkg/stats"
)

// waitSleep is how long an engine dozes between wait-knob checks; idleSleep
// is how long a parked prwv2 worker dozes before rechecking the live iodepth.
const (
	waitSleep = 200 * time.Millisecond
	idleSleep = 500 * time.Millisecond
)

// Deps is everything an engine needs to run a workload. OnRelease, when
// non-nil, observes every completed request; tests use it to capture the
// access stream.
type Deps struct {
	Cfg       *config.Config
	File      *os.File
	Shaper    *shape.Shaper
	Acc       *stats.Accumulator
	OnRelease func(p shape.AccessParams)
}

// Engine executes I/O requests shaped by the live configuration until the
// context is canceled. Run returns nil on a clean stop and an error only for
// conditions the workload cannot continue through.
type Engine interface {
	Run(ctx context.Context) error
}

// New builds the engine selected by the configuration. The config layer has
// already validated the engine name; an unknown name here is a bug.
func New(d Deps) (Engine, error) {
	switch d.Cfg.IOEngine {
	case config.EnginePosix:
		return newPosix(d), nil
	case config.EnginePrwv2:
		return newPrwv2(d), nil
	case config.EngineLibAIO:
		return newLibAIO(d), nil
	case config.EngineUring:
		return newUring(d)
	}
	return nil, errors.Errorf("unknown io_engine %q", d.Cfg.IOEngine)
}

// OpenFlags returns the open(2) flags for the workload file. O_DSYNC is set
// at open time only for the engines that cannot express it per request; the
// prwv2 and libaio engines pass RWF_DSYNC on each write instead.
func OpenFlags(cfg *config.Config) int {
	flags := os.O_RDWR
	if cfg.ODirect {
		flags |= syscall.O_DIRECT
	}
	if cfg.ODSync && (cfg.IOEngine == config.EnginePosix || cfg.IOEngine == config.EngineUring) {
		flags |= syscall.O_DSYNC
	}
	return flags
}

// allocAligned returns a page-aligned buffer suitable for O_DIRECT.
func allocAligned(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "allocate aligned buffer")
	}
	return b, nil
}

func freeAligned(b []byte) {
	if b != nil {
		_ = unix.Munmap(b)
	}
}

func fdatasync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err == unix.EINTR {
			continue
		}
		return errors.Wrap(err, "fdatasync")
	}
}

// release publishes one completed request to the accumulator and the
// observer hook.
func (d *Deps) release(p shape.AccessParams, lat time.Duration) {
	d.Acc.Add(stats.One(p.Write, uint32(p.Size/1024)))
	d.Acc.RecordLatency(lat)
	if d.OnRelease != nil {
		d.OnRelease(p)
	}
}

// sleepCtx sleeps for d or until the context is canceled, whichever is first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
