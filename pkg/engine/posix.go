package engine

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/runningwild/grind/pkg/randomizer"
	"github.com/runningwild/grind/pkg/shape"
)

// posixEngine issues one read(2) or write(2) at a time on a single OS
// thread. It tracks the file position itself and seeks only when the next
// request is discontiguous, so a pure sequential workload never calls
// lseek.
type posixEngine struct {
	d   Deps
	rnd *randomizer.Randomizer
}

func newPosix(d Deps) *posixEngine {
	return &posixEngine{d: d, rnd: randomizer.New()}
}

func (e *posixEngine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	fd := int(e.d.File.Fd())
	var buf []byte
	defer func() { freeAligned(buf) }()

	// curOffset+curSize is where the fd is positioned after the previous
	// request; -1 forces a seek on the first one.
	curOffset, curSize := int64(-1), int64(0)

	for ctx.Err() == nil {
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
			e.rnd.FillBuffer(buf)
		}

		if curOffset+curSize != p.Offset {
			if _, err := unix.Seek(fd, p.Offset, unix.SEEK_SET); err != nil {
				return errors.Wrapf(err, "lseek to %d", p.Offset)
			}
		}

		start := time.Now()
		if err := e.transfer(fd, buf, p); err != nil {
			return err
		}
		e.d.release(p, time.Since(start))
		curOffset, curSize = p.Offset, p.Size
	}
	return nil
}

func (e *posixEngine) transfer(fd int, buf []byte, p shape.AccessParams) error {
	if p.Write {
		e.rnd.FillBufferStride(buf, 20)
	}
	done := 0
	for done < len(buf) {
		var n int
		var err error
		if p.Write {
			n, err = unix.Write(fd, buf[done:])
		} else {
			n, err = unix.Read(fd, buf[done:])
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "%s %d bytes at offset %d", opName(p.Write), p.Size, p.Offset)
		}
		if n == 0 {
			return errors.Errorf("short %s at offset %d: %d of %d bytes", opName(p.Write), p.Offset, done, p.Size)
		}
		done += n
	}
	if p.Flush {
		return fdatasync(e.d.File)
	}
	return nil
}

func opName(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
