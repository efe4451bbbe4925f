package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runningwild/grind/pkg/command"
	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/control"
	"github.com/runningwild/grind/pkg/logx"
	"github.com/runningwild/grind/pkg/report"
)

func main() {
	if err := run(); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}

// Flags holds pointers to all supported CLI flags.
type Flags struct {
	ConfigFile  *string
	WriteConfig *string

	LogLevel      *string
	LogTimePrefix *bool
	Socket        *string
	Duration      *uint
	Filename      *string
	CreateFile    *bool
	DeleteFile    *bool
	FilesizeMiB   *uint64
	IOEngine      *string
	IODepth       *uint
	BlockSizeKiB  *uint64
	FlushBlocks   *uint64
	WriteRatio    *float64
	RandomRatio   *float64
	DirectIO      *bool
	ODirect       *bool
	ODSync        *bool
	StatsInterval *uint
	Wait          *bool
	CommandScript *string
}

func SetupFlags(fs *flag.FlagSet) *Flags {
	def := config.DefaultParams()
	f := &Flags{}
	f.ConfigFile = fs.String("config", "", "Path to a YAML parameter file (disables other flags)")
	f.WriteConfig = fs.String("write_config", "", "Save the effective parameters to this YAML file")

	f.LogLevel = fs.String("log_level", def.LogLevel, "Log level: output, info or debug")
	f.LogTimePrefix = fs.Bool("log_time_prefix", def.LogTimePrefix, "Prefix log lines with a timestamp")
	f.Socket = fs.String("socket", "", "Path for the command socket (must not exist)")
	f.Duration = fs.Uint("duration", 0, "Run duration in seconds (0 runs until stopped)")
	f.Filename = fs.String("filename", "", "Target file (required)")
	f.CreateFile = fs.Bool("create_file", false, "Create the target file before the run")
	f.DeleteFile = fs.Bool("delete_file", false, "Delete the target file after the run")
	f.FilesizeMiB = fs.Uint64("filesize", 0, "File size in MiB (>= 10 when creating)")
	f.IOEngine = fs.String("io_engine", def.IOEngine, "I/O engine: posix, prwv2, libaio or uring")
	f.IODepth = fs.Uint("iodepth", uint(def.IODepth), "Number of in-flight requests (1..128)")
	f.BlockSizeKiB = fs.Uint64("block_size", def.BlockSizeKiB, "Block size in KiB (>= 4)")
	f.FlushBlocks = fs.Uint64("flush_blocks", 0, "fdatasync after this many written blocks (0 disables)")
	f.WriteRatio = fs.Float64("write_ratio", 0, "Fraction of requests that are writes (0..1)")
	f.RandomRatio = fs.Float64("random_ratio", 0, "Fraction of requests at random offsets (0..1)")
	f.DirectIO = fs.Bool("direct_io", false, "Legacy alias: force both o_direct and o_dsync")
	f.ODirect = fs.Bool("o_direct", def.ODirect, "Open the file with O_DIRECT")
	f.ODSync = fs.Bool("o_dsync", def.ODSync, "Request DSYNC semantics on writes")
	f.StatsInterval = fs.Uint("stats_interval", uint(def.StatsInterval), "Seconds between STATS records (> 0)")
	f.Wait = fs.Bool("wait", false, "Start paused")
	f.CommandScript = fs.String("command_script", "", `Scheduled commands, e.g. "30:wait=false;1m:stop"`)
	return f
}

// LoadParams returns the parameter set from the config file when one was
// given and from the flags otherwise.
func (f *Flags) LoadParams() (config.Params, error) {
	if *f.ConfigFile != "" {
		return config.LoadParams(*f.ConfigFile)
	}
	return config.Params{
		LogLevel:      *f.LogLevel,
		LogTimePrefix: *f.LogTimePrefix,
		Socket:        *f.Socket,
		Duration:      uint32(*f.Duration),
		Filename:      *f.Filename,
		CreateFile:    *f.CreateFile,
		DeleteFile:    *f.DeleteFile,
		FilesizeMiB:   *f.FilesizeMiB,
		IOEngine:      *f.IOEngine,
		IODepth:       uint32(*f.IODepth),
		BlockSizeKiB:  *f.BlockSizeKiB,
		FlushBlocks:   *f.FlushBlocks,
		WriteRatio:    *f.WriteRatio,
		RandomRatio:   *f.RandomRatio,
		DirectIO:      *f.DirectIO,
		ODirect:       *f.ODirect,
		ODSync:        *f.ODSync,
		StatsInterval: uint32(*f.StatsInterval),
		Wait:          *f.Wait,
		CommandScript: *f.CommandScript,
	}, nil
}

func (f *Flags) MaybeWriteConfig(p config.Params) {
	if *f.WriteConfig == "" {
		return
	}
	if err := config.WriteParams(*f.WriteConfig, p); err != nil {
		logrus.Warnf("failed to write config: %v", err)
		return
	}
	logrus.Infof("configuration written to %s", *f.WriteConfig)
}

func run() error {
	f := SetupFlags(flag.CommandLine)
	flag.Parse()

	p, err := f.LoadParams()
	if err != nil {
		return err
	}
	if err := logx.Setup(p.LogLevel, p.LogTimePrefix); err != nil {
		return err
	}
	f.MaybeWriteConfig(p)

	cfg, err := config.New(p)
	if err != nil {
		return err
	}
	logrus.Infof("parameters: %+v", p)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Duration)*time.Second)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logrus.Warnf("received signal %v, shutting down", s)
		stop()
		signal.Stop(sigCh)
	}()

	ctrl, err := control.New(cfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	rep := report.New(cfg, ctrl.Accumulator())
	h := command.NewHandler(ctrl, rep, stop)

	bgErr := make(chan error, 2)
	repDone := make(chan error, 1)
	go func() { repDone <- rep.Run(ctx) }()
	go func() {
		if err := h.RunStdin(ctx); err != nil {
			bgErr <- err
			stop()
		}
	}()
	if cfg.Socket != "" {
		go func() {
			if err := h.RunSocket(ctx, cfg.Socket); err != nil {
				bgErr <- err
				stop()
			}
		}()
	}
	go h.RunScript(ctx, cfg.Script)

	runErr := ctrl.Run(ctx)
	stop()

	select {
	case err := <-repDone:
		if runErr == nil {
			runErr = err
		}
	case <-time.After(2 * time.Second):
		logrus.Warnf("reporter did not stop in time, detaching")
	}
	select {
	case err := <-bgErr:
		if runErr == nil {
			runErr = err
		}
	default:
	}
	return runErr
}
