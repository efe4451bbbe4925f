package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/randomizer"
	"github.com/runningwild/grind/pkg/shape"
)

// prwv2Engine runs a fixed pool of workers issuing preadv2/pwritev2. All
// MaxIODepth workers exist from the start; a worker whose index is at or
// above the live iodepth parks until the knob grows, which is how iodepth
// changes take effect without spawning or joining threads.
type prwv2Engine struct {
	d Deps
}

func newPrwv2(d Deps) *prwv2Engine {
	return &prwv2Engine{d: d}
}

func (e *prwv2Engine) Run(ctx context.Context) error {
	e.d.Shaper.Activate()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, config.MaxIODepth)
	for i := 0; i < config.MaxIODepth; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := e.worker(ctx, id); err != nil {
				errs <- errors.Wrapf(err, "worker %d", id)
				cancel()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (e *prwv2Engine) worker(ctx context.Context, id int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	fd := int(e.d.File.Fd())
	rnd := randomizer.New()
	var buf []byte
	defer func() { freeAligned(buf) }()

	for ctx.Err() == nil {
		if id >= int(e.d.Cfg.IODepth()) {
			sleepCtx(ctx, idleSleep)
			continue
		}
		if e.d.Cfg.Wait() {
			sleepCtx(ctx, waitSleep)
			continue
		}
		p := e.d.Shaper.Next()

		if int64(len(buf)) != p.Size {
			freeAligned(buf)
			var err error
			if buf, err = allocAligned(int(p.Size)); err != nil {
				return err
			}
			rnd.FillBuffer(buf)
		}
		if p.Write {
			rnd.FillBufferStride(buf, 20)
		}

		start := time.Now()
		if err := e.transfer(fd, buf, p); err != nil {
			return err
		}
		if p.Flush {
			if err := fdatasync(e.d.File); err != nil {
				return err
			}
		}
		e.d.release(p, time.Since(start))
	}
	return nil
}

func (e *prwv2Engine) transfer(fd int, buf []byte, p shape.AccessParams) error {
	flags := 0
	if p.Write && e.d.Cfg.ODSync {
		flags = unix.RWF_DSYNC
	}
	iov := [][]byte{buf}
	for {
		var n int
		var err error
		if p.Write {
			n, err = unix.Pwritev2(fd, iov, p.Offset, flags)
		} else {
			n, err = unix.Preadv2(fd, iov, p.Offset, flags)
		}
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "%s %d bytes at offset %d", opName(p.Write), p.Size, p.Offset)
		}
		if n == 0 {
			logrus.Errorf("%s %d bytes at offset %d returned 0", opName(p.Write), p.Size, p.Offset)
			return nil
		}
		if int64(n) != p.Size {
			return errors.Errorf("short %s at offset %d: %d of %d bytes", opName(p.Write), p.Offset, n, p.Size)
		}
		return nil
	}
}
