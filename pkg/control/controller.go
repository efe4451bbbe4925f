package control

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/engine"
	"github.com/runningwild/grind/pkg/logx"
	"github.com/runningwild/grind/pkg/randomizer"
	"github.com/runningwild/grind/pkg/shape"
	"github.com/runningwild/grind/pkg/stats"
)

const mib = 1 << 20

// Controller owns the workload file and the engine driving it. It is the
// glue between the command channel, the shaper and the engine: commands
// mutate the config through it so that geometry changes also reset the
// shaper's sequential cursor.
type Controller struct {
	cfg    *config.Config
	acc    *stats.Accumulator
	shaper *shape.Shaper
	file   *os.File
	eng    engine.Engine
}

// New prepares the workload file (creating it first when asked), opens it
// with the engine's flags and assembles the engine.
func New(cfg *config.Config) (*Controller, error) {
	if cfg.IOEngine == config.EngineLibAIO && !cfg.ODirect {
		return nil, errors.New("io_engine libaio requires o_direct")
	}
	if cfg.CreateFile {
		if err := createFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := checkFile(cfg); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(cfg.Filename, engine.OpenFlags(cfg), 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", cfg.Filename)
	}

	c := &Controller{
		cfg:    cfg,
		acc:    stats.NewAccumulator(),
		shaper: shape.New(cfg),
		file:   f,
	}
	c.eng, err = engine.New(engine.Deps{
		Cfg:    cfg,
		File:   f,
		Shaper: c.shaper,
		Acc:    c.acc,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) Accumulator() *stats.Accumulator { return c.acc }

// Run drives the engine until the context is canceled.
func (c *Controller) Run(ctx context.Context) error {
	logrus.Infof("starting io_engine %s on %q", c.cfg.IOEngine, c.cfg.Filename)
	return c.eng.Run(ctx)
}

// Execute applies one command line. A block size change invalidates the
// shaper's sequential cursor so the next sequential access restarts at
// offset zero, the same way a fresh run would.
func (c *Controller) Execute(line string, oc *logx.OutputController) error {
	before := c.cfg.BlockSizeKiB()
	if err := c.cfg.Execute(line, oc); err != nil {
		return err
	}
	if c.cfg.BlockSizeKiB() != before {
		c.shaper.Rebuild()
	}
	return nil
}

// Close releases the workload file and deletes it when the run owns it.
func (c *Controller) Close() error {
	err := c.file.Close()
	if c.cfg.DeleteFile {
		if rmErr := os.Remove(c.cfg.Filename); rmErr != nil && err == nil {
			err = errors.Wrap(rmErr, "delete file")
		}
	}
	return err
}

// createFile writes the workload file from scratch with randomized 1 MiB
// chunks so that device-level compression cannot shortcut later reads. On
// failure the partially written file is removed.
func createFile(cfg *config.Config) (err error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(cfg.Filename), &fs); err == nil && fs.Bsize > 0 && mib%fs.Bsize != 0 {
		return errors.Errorf("filesystem block size %d does not divide 1 MiB, cannot create with direct I/O", fs.Bsize)
	}

	logrus.Infof("creating file %q with size %d MiB", cfg.Filename, cfg.FilesizeMiB())

	f, err := os.OpenFile(cfg.Filename, os.O_CREATE|os.O_RDWR|syscall.O_DIRECT, 0640)
	if err != nil {
		return errors.Wrapf(err, "create %q", cfg.Filename)
	}
	defer f.Close()
	defer func() {
		if err != nil {
			os.Remove(cfg.Filename)
		}
	}()

	buf, err := unix.Mmap(-1, 0, mib, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return errors.Wrap(err, "allocate aligned buffer")
	}
	defer unix.Munmap(buf)
	randomizer.New().FillBuffer(buf)

	for i := uint64(0); i < cfg.FilesizeMiB(); i++ {
		if _, err := f.Write(buf); err != nil {
			return errors.Wrapf(err, "write %q", cfg.Filename)
		}
	}
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return errors.Wrap(err, "fdatasync")
	}
	return nil
}

// checkFile validates the target file against the configured geometry. The
// filesize knob is always overridden by what is actually on disk; the block
// size must divide into filesystem blocks or O_DIRECT requests would fail
// mid-run instead of here.
func checkFile(cfg *config.Config) error {
	st, err := os.Stat(cfg.Filename)
	if err != nil {
		return errors.Wrapf(err, "stat %q", cfg.Filename)
	}
	if blksize := st.Sys().(*syscall.Stat_t).Blksize; blksize > 0 && int64(cfg.BlockSizeKiB()*1024)%blksize != 0 {
		return errors.Errorf("--block_size=%d KiB is not a multiple of the filesystem block size %d", cfg.BlockSizeKiB(), blksize)
	}
	sizeMiB := uint64(st.Size()) / mib
	if sizeMiB < 10 {
		return errors.Errorf("file %q is %d MiB, need at least 10 MiB", cfg.Filename, sizeMiB)
	}
	if cfg.FilesizeMiB() != sizeMiB {
		logrus.Infof("using filesize %d MiB from %q", sizeMiB, cfg.Filename)
	}
	cfg.SetFilesizeMiB(sizeMiB)
	if cfg.BlockSizeKiB()*1024 > sizeMiB*mib {
		return errors.Errorf("--block_size=%d KiB exceeds the file size", cfg.BlockSizeKiB())
	}
	return nil
}
