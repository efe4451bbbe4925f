package engine

import (
	"context"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/randomizer"
	"github.com/runningwild/grind/pkg/shape"
)

const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
)

// Kernel structures (standard 64-bit layout for x86_64 and arm64).
type iocb struct {
	Data      uint64
	Key       uint32
	RwFlags   uint32
	OpCode    uint16
	ReqPrio   int16
	Fd        uint32
	Buf       uint64
	NBytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFd     uint32
}

type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// libaioEngine drives the kernel AIO interface from a single goroutine. It
// keeps MaxIODepth slots but only fills up to the live iodepth, so shrinking
// the knob drains naturally and growing it takes effect on the next fill.
type libaioEngine struct {
	d   Deps
	rnd *randomizer.Randomizer
}

func newLibAIO(d Deps) *libaioEngine {
	return &libaioEngine{d: d, rnd: randomizer.New()}
}

func (e *libaioEngine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var ctxID uint64
	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(config.MaxIODepth), uintptr(unsafe.Pointer(&ctxID)), 0); errno != 0 {
		return errors.Wrap(errno, "io_setup")
	}
	defer unix.Syscall(unix.SYS_IO_DESTROY, uintptr(ctxID), 0, 0)

	fd := uint32(e.d.File.Fd())

	var (
		arena      []byte
		arenaBlock int64

		iocbs   [config.MaxIODepth]iocb
		params  [config.MaxIODepth]shape.AccessParams
		started [config.MaxIODepth]time.Time

		freeSlots [config.MaxIODepth]int
		nFree     = config.MaxIODepth
		inFlight  = 0

		events   [config.MaxIODepth]ioEvent
		iocbPtrs [config.MaxIODepth]*iocb
	)
	for i := range freeSlots {
		freeSlots[i] = i
	}
	defer func() {
		e.drain(ctxID, inFlight, &iocbs, events[:])
		freeAligned(arena)
	}()

	for {
		if ctx.Err() != nil && inFlight == 0 {
			return nil
		}

		// Realloc the slot arena once the old block size has drained out.
		blockBytes := int64(e.d.Cfg.BlockSizeKiB()) * 1024
		if arenaBlock != blockBytes && inFlight == 0 {
			freeAligned(arena)
			var err error
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

		nSubmit := 0
		if ctx.Err() == nil && !e.d.Cfg.Wait() && arenaBlock == blockBytes {
			depth := int(e.d.Cfg.IODepth())
			for inFlight+nSubmit < depth && nFree > 0 {
				nFree--
				slot := freeSlots[nFree]

				p := e.d.Shaper.Next()
				if p.Size != blockBytes {
					// Geometry moved mid-fill; put the slot back and let
					// the drain path handle the realloc.
					freeSlots[nFree] = slot
					nFree++
					break
				}
				buf := arena[int64(slot)*blockBytes : (int64(slot)+1)*blockBytes]
				if p.Write {
					e.rnd.FillBufferStride(buf, 20)
				}

				cb := &iocbs[slot]
				*cb = iocb{
					Data:   uint64(slot),
					Fd:     fd,
					Buf:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
					NBytes: uint64(p.Size),
					Offset: p.Offset,
				}
				if p.Write {
					cb.OpCode = iocbCmdPwrite
					if e.d.Cfg.ODSync {
						cb.RwFlags = unix.RWF_DSYNC
					}
				} else {
					cb.OpCode = iocbCmdPread
				}

				params[slot] = p
				started[slot] = time.Now()
				iocbPtrs[nSubmit] = cb
				nSubmit++
			}
		}

		nDone, err := e.submit(ctxID, iocbPtrs[:nSubmit])
		if err != nil {
			return err
		}
		inFlight += nDone
		// Requests the kernel would not take go back to the free list and
		// are re-prepared on the next iteration.
		for i := nDone; i < nSubmit; i++ {
			freeSlots[nFree] = int(iocbPtrs[i].Data)
			nFree++
		}

		if inFlight == 0 {
			continue
		}
		minNr := 0
		if inFlight >= int(e.d.Cfg.IODepth()) || ctx.Err() != nil {
			minNr = 1
		}
		timeout := unix.Timespec{Nsec: int64(200 * time.Millisecond)}
		nEvt, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(ctxID), uintptr(minNr),
			uintptr(inFlight), uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(&timeout)), 0)
		if errno != 0 {
			if errno == syscall.EINTR || errno == syscall.EAGAIN {
				continue
			}
			return errors.Wrap(errno, "io_getevents")
		}

		for i := 0; i < int(nEvt); i++ {
			slot := int(events[i].Data)
			p := params[slot]
			if events[i].Res < 0 {
				return errors.Wrapf(syscall.Errno(-events[i].Res), "%s %d bytes at offset %d", opName(p.Write), p.Size, p.Offset)
			}
			if events[i].Res != p.Size {
				return errors.Errorf("short %s at offset %d: %d of %d bytes", opName(p.Write), p.Offset, events[i].Res, p.Size)
			}
			if p.Flush {
				if err := fdatasync(e.d.File); err != nil {
					return err
				}
			}
			e.d.release(p, time.Since(started[slot]))
			inFlight--
			freeSlots[nFree] = slot
			nFree++
		}
	}
}

// submit pushes the batch and returns how much of it the kernel accepted.
// EINTR, EAGAIN and a zero count are transient: submission stops for this
// tick and the caller retries the remainder on the next one.
func (e *libaioEngine) submit(ctxID uint64, cbs []*iocb) (int, error) {
	done := 0
	for done < len(cbs) {
		n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(ctxID), uintptr(len(cbs)-done), uintptr(unsafe.Pointer(&cbs[done])))
		switch {
		case errno == 0 && n > 0:
			done += int(n)
		case errno == syscall.EINTR || errno == syscall.EAGAIN || errno == 0:
			return done, nil
		default:
			return done, errors.Wrap(errno, "io_submit")
		}
	}
	return done, nil
}

// drain collects what it can for 300ms and cancels the rest so io_destroy
// does not block on in-flight requests.
func (e *libaioEngine) drain(ctxID uint64, inFlight int, iocbs *[config.MaxIODepth]iocb, events []ioEvent) {
	deadline := time.Now().Add(300 * time.Millisecond)
	for inFlight > 0 && time.Now().Before(deadline) {
		timeout := unix.Timespec{Nsec: int64(50 * time.Millisecond)}
		n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, uintptr(ctxID), 1, uintptr(inFlight),
			uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(&timeout)), 0)
		if errno != 0 {
			if errno == syscall.EINTR {
				continue
			}
			break
		}
		inFlight -= int(n)
	}
	if inFlight > 0 {
		var evt ioEvent
		for i := range iocbs {
			unix.Syscall6(unix.SYS_IO_CANCEL, uintptr(ctxID), uintptr(unsafe.Pointer(&iocbs[i])),
				uintptr(unsafe.Pointer(&evt)), 0, 0, 0)
		}
	}
}
