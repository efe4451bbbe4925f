//go:build linux

package engine

import (
	"context"
	"errors"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/godzie44/go-uring/uring"
	pkgerrors "github.com/pkg/errors"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/randomizer"
	"github.com/runningwild/grind/pkg/shape"
)

// uringEngine drives io_uring from a single goroutine with the same slot
// discipline as the libaio engine. The ring is sized for MaxIODepth; the
// live iodepth bounds how many slots are ever in flight. O_DSYNC semantics
// come from the open flags since the submission path carries no per-request
// sync flag.
type uringEngine struct {
	d   Deps
	rnd *randomizer.Randomizer
}

func newUring(d Deps) (Engine, error) {
	return &uringEngine{d: d, rnd: randomizer.New()}, nil
}

func (e *uringEngine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ring, err := uring.New(uint32(config.MaxIODepth))
	if err != nil {
		return pkgerrors.Wrap(err, "io_uring setup")
	}
	defer ring.Close()

	fd := e.d.File.Fd()

	var (
		arena      []byte
		arenaBlock int64

		params  [config.MaxIODepth]shape.AccessParams
		started [config.MaxIODepth]time.Time

		freeSlots [config.MaxIODepth]int
		nFree     = config.MaxIODepth
		inFlight  = 0
	)
	for i := range freeSlots {
		freeSlots[i] = i
	}
	defer func() { freeAligned(arena) }()

	for {
		if ctx.Err() != nil && inFlight == 0 {
			return nil
		}

		blockBytes := int64(e.d.Cfg.BlockSizeKiB()) * 1024
		if arenaBlock != blockBytes && inFlight == 0 {
			freeAligned(arena)
			if arena, err = allocAligned(int(blockBytes) * config.MaxIODepth); err != nil {
				return err
			}
			e.rnd.FillBuffer(arena)
			arenaBlock = blockBytes
		}

		if e.d.Cfg.Wait() && inFlight == 0 {
			if !sleepCtx(ctx, waitSleep) {
				return nil
			}
			continue
		}

		queued := 0
		if ctx.Err() == nil && !e.d.Cfg.Wait() && arenaBlock == blockBytes {
			depth := int(e.d.Cfg.IODepth())
			for inFlight+queued < depth && nFree > 0 {
				nFree--
				slot := freeSlots[nFree]

				p := e.d.Shaper.Next()
				if p.Size != blockBytes {
					freeSlots[nFree] = slot
					nFree++
					break
				}
				buf := arena[int64(slot)*blockBytes : (int64(slot)+1)*blockBytes]
				if p.Write {
					e.rnd.FillBufferStride(buf, 20)
				}

				var op uring.Operation
				if p.Write {
					op = uring.Write(fd, buf, uint64(p.Offset))
				} else {
					op = uring.Read(fd, buf, uint64(p.Offset))
				}
				if err := ring.QueueSQE(op, 0, uint64(slot)); err != nil {
					freeSlots[nFree] = slot
					nFree++
					break
				}
				params[slot] = p
				started[slot] = time.Now()
				queued++
			}
		}

		if queued > 0 {
			for {
				if _, err := ring.Submit(); err == nil || !isEINTR(err) {
					if err != nil {
						return pkgerrors.Wrap(err, "io_uring submit")
					}
					break
				}
			}
			inFlight += queued
		}

		if inFlight == 0 {
			continue
		}

		var cqe *uring.CQEvent
		for {
			cqe, err = ring.WaitCQEvents(1)
			if err == nil || !isEINTR(err) {
				break
			}
		}
		if err != nil {
			return pkgerrors.Wrap(err, "io_uring wait")
		}

		for cqe != nil {
			slot := int(cqe.UserData)
			p := params[slot]
			if cqe.Res < 0 {
				return pkgerrors.Wrapf(syscall.Errno(-cqe.Res), "%s %d bytes at offset %d", opName(p.Write), p.Size, p.Offset)
			}
			if int64(cqe.Res) != p.Size {
				return pkgerrors.Errorf("short %s at offset %d: %d of %d bytes", opName(p.Write), p.Offset, cqe.Res, p.Size)
			}
			ring.SeenCQE(cqe)
			if p.Flush {
				if err := fdatasync(e.d.File); err != nil {
					return err
				}
			}
			e.d.release(p, time.Since(started[slot]))
			inFlight--
			freeSlots[nFree] = slot
			nFree++

			cqe, _ = ring.PeekCQE()
		}
	}
}

func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Err == syscall.EINTR
	}
	return false
}
