package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/runningwild/grind/pkg/logx"
)

// MaxIODepth bounds the iodepth knob and sizes the slot/worker pools of the
// batched engines.
const MaxIODepth = 128

// Supported I/O engines.
const (
	EnginePosix  = "posix"  // single-threaded read/write
	EnginePrwv2  = "prwv2"  // multi-worker preadv2/pwritev2
	EngineLibAIO = "libaio" // kernel AIO, batched submission
	EngineUring  = "uring"  // io_uring, batched submission
)

// Params is the flat parameter set as it arrives from flags or a YAML file.
type Params struct {
	LogLevel      string  `yaml:"log_level"`
	LogTimePrefix bool    `yaml:"log_time_prefix"`
	Socket        string  `yaml:"socket"`
	Duration      uint32  `yaml:"duration"`
	Filename      string  `yaml:"filename"`
	CreateFile    bool    `yaml:"create_file"`
	DeleteFile    bool    `yaml:"delete_file"`
	FilesizeMiB   uint64  `yaml:"filesize"`
	IOEngine      string  `yaml:"io_engine"`
	IODepth       uint32  `yaml:"iodepth"`
	BlockSizeKiB  uint64  `yaml:"block_size"`
	FlushBlocks   uint64  `yaml:"flush_blocks"`
	WriteRatio    float64 `yaml:"write_ratio"`
	RandomRatio   float64 `yaml:"random_ratio"`
	DirectIO      bool    `yaml:"direct_io"`
	ODirect       bool    `yaml:"o_direct"`
	ODSync        bool    `yaml:"o_dsync"`
	StatsInterval uint32  `yaml:"stats_interval"`
	Wait          bool    `yaml:"wait"`
	CommandScript string  `yaml:"command_script"`
}

func DefaultParams() Params {
	return Params{
		LogLevel:      "info",
		LogTimePrefix: true,
		IOEngine:      EnginePosix,
		IODepth:       1,
		BlockSizeKiB:  4,
		ODirect:       true,
		StatsInterval: 5,
	}
}

// LoadParams reads a YAML parameter file. Missing fields keep their defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, errors.Wrap(err, "parse config file")
	}
	return p, nil
}

// WriteParams dumps the parameter set to a YAML file.
func WriteParams(path string, p Params) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write config file")
}

// Config is the authoritative run configuration. The startup-only fields are
// plain; the live-mutable knobs are atomics so the engines and the reporter
// can read them without locking while the command channel mutates them.
type Config struct {
	LogLevel      string
	LogTimePrefix bool
	Socket        string
	Duration      uint32
	Filename      string
	CreateFile    bool
	DeleteFile    bool
	IOEngine      string
	DirectIO      bool
	ODirect       bool
	ODSync        bool
	StatsInterval uint32
	Script        CommandScript

	filesizeMiB atomic.Uint64
	blockSize   atomic.Uint64
	iodepth     atomic.Uint32
	writeRatio  atomic.Uint64
	randomRatio atomic.Uint64
	flushBlocks atomic.Uint64
	wait        atomic.Bool

	// consumed by the reporter to skip one mixed-regime interval
	changed atomic.Bool
}

// New validates the parameter set and builds the live configuration.
func New(p Params) (*Config, error) {
	if p.Filename == "" {
		return nil, errors.New("--filename is required")
	}
	if p.CreateFile && p.FilesizeMiB < 10 {
		return nil, errors.Errorf("invalid --filesize=%d: must be >= 10 MiB when creating the file", p.FilesizeMiB)
	}
	switch p.IOEngine {
	case EnginePosix, EnginePrwv2, EngineLibAIO, EngineUring:
	default:
		return nil, errors.Errorf("invalid --io_engine=%q (posix, prwv2, libaio, uring)", p.IOEngine)
	}
	if p.IODepth < 1 || p.IODepth > MaxIODepth {
		return nil, errors.Errorf("invalid --iodepth=%d: must be in [1..%d]", p.IODepth, MaxIODepth)
	}
	if p.IOEngine == EnginePosix && p.IODepth > 1 {
		return nil, errors.New("io_engine posix only supports iodepth 1")
	}
	if p.BlockSizeKiB < 4 {
		return nil, errors.Errorf("invalid --block_size=%d: must be >= 4 KiB", p.BlockSizeKiB)
	}
	if p.WriteRatio < 0 || p.WriteRatio > 1 {
		return nil, errors.Errorf("invalid --write_ratio=%v: must be in [0..1]", p.WriteRatio)
	}
	if p.RandomRatio < 0 || p.RandomRatio > 1 {
		return nil, errors.Errorf("invalid --random_ratio=%v: must be in [0..1]", p.RandomRatio)
	}
	if p.StatsInterval == 0 {
		return nil, errors.New("invalid --stats_interval=0: must be > 0")
	}
	if p.Socket != "" {
		if _, err := os.Stat(p.Socket); err == nil {
			return nil, errors.Errorf("socket path %q already exists", p.Socket)
		}
	}
	script, err := ParseScript(p.CommandScript)
	if err != nil {
		return nil, err
	}

	c := &Config{
		LogLevel:      p.LogLevel,
		LogTimePrefix: p.LogTimePrefix,
		Socket:        p.Socket,
		Duration:      p.Duration,
		Filename:      p.Filename,
		CreateFile:    p.CreateFile,
		DeleteFile:    p.DeleteFile,
		IOEngine:      p.IOEngine,
		DirectIO:      p.DirectIO,
		ODirect:       p.ODirect,
		ODSync:        p.ODSync,
		StatsInterval: p.StatsInterval,
		Script:        script,
	}
	if p.DirectIO {
		c.ODirect = true
		c.ODSync = true
	}
	c.filesizeMiB.Store(p.FilesizeMiB)
	c.blockSize.Store(p.BlockSizeKiB)
	c.iodepth.Store(p.IODepth)
	c.writeRatio.Store(math.Float64bits(p.WriteRatio))
	c.randomRatio.Store(math.Float64bits(p.RandomRatio))
	c.flushBlocks.Store(p.FlushBlocks)
	c.wait.Store(p.Wait)
	return c, nil
}

func (c *Config) FilesizeMiB() uint64     { return c.filesizeMiB.Load() }
func (c *Config) SetFilesizeMiB(v uint64) { c.filesizeMiB.Store(v) }
func (c *Config) BlockSizeKiB() uint64    { return c.blockSize.Load() }
func (c *Config) IODepth() uint32         { return c.iodepth.Load() }
func (c *Config) WriteRatio() float64     { return math.Float64frombits(c.writeRatio.Load()) }
func (c *Config) RandomRatio() float64    { return math.Float64frombits(c.randomRatio.Load()) }
func (c *Config) FlushBlocks() uint64     { return c.flushBlocks.Load() }
func (c *Config) Wait() bool              { return c.wait.Load() }
func (c *Config) SetWait(v bool)          { c.wait.Store(v) }

// MarkChanged flags that a live knob moved; the reporter drops the next
// interval so the emitted delta never mixes two regimes.
func (c *Config) MarkChanged()         { c.changed.Store(true) }
func (c *Config) ConsumeChanged() bool { return c.changed.CompareAndSwap(true, false) }

const helpText = `COMMANDS:
    stop           - terminate
    wait           - (true|false)
    block_size     - [4..]
    iodepth        - [1..128]
    write_ratio    - [0..1]
    random_ratio   - [0..1]
    flush_blocks   - [0..]`

// Execute applies one mutation command of the form name or name=value.
// Validation failures leave the running workload untouched.
func (c *Config) Execute(line string, oc *logx.OutputController) error {
	name, value := line, ""
	if i := strings.IndexByte(line, '='); i >= 0 {
		name, value = line[:i], line[i+1:]
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	switch name {
	case "help":
		oc.Infof("%s", helpText)
		return nil

	case "wait":
		v := true
		if value != "" {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return errors.Errorf("invalid value for the command wait: %q", value)
			}
			v = b
		}
		c.wait.Store(v)
		oc.Infof("set wait=%v", v)
		return nil

	case "block_size":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil || v < 4 {
			return errors.Errorf("invalid value for the command block_size: %q (must be >= 4)", value)
		}
		c.blockSize.Store(v)
		c.MarkChanged()
		oc.Infof("set block_size=%d", v)
		return nil

	case "iodepth":
		if c.IOEngine == EnginePosix {
			return errors.New("parameter iodepth is immutable: io_engine posix only supports iodepth 1")
		}
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil || v < 1 || v > MaxIODepth {
			return errors.Errorf("invalid value for the command iodepth: %q (must be in [1..%d])", value, MaxIODepth)
		}
		c.iodepth.Store(uint32(v))
		c.MarkChanged()
		oc.Infof("set iodepth=%d", v)
		return nil

	case "write_ratio":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v < 0 || v > 1 {
			return errors.Errorf("invalid value for the command write_ratio: %q (must be in [0..1])", value)
		}
		c.writeRatio.Store(math.Float64bits(v))
		c.MarkChanged()
		oc.Infof("set write_ratio=%v", v)
		return nil

	case "random_ratio":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v < 0 || v > 1 {
			return errors.Errorf("invalid value for the command random_ratio: %q (must be in [0..1])", value)
		}
		c.randomRatio.Store(math.Float64bits(v))
		c.MarkChanged()
		oc.Infof("set random_ratio=%v", v)
		return nil

	case "flush_blocks":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Errorf("invalid value for the command flush_blocks: %q", value)
		}
		c.flushBlocks.Store(v)
		c.MarkChanged()
		oc.Infof("set flush_blocks=%d", v)
		return nil
	}

	return errors.Errorf("invalid command: %s", name)
}

// StatsLine renders the live knobs in the key order of the STATS record.
func (c *Config) StatsLine() string {
	var sb strings.Builder
	add := func(k, v string) {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(`"` + k + `":"` + v + `"`)
	}
	add("wait", strconv.FormatBool(c.Wait()))
	add("filesize", strconv.FormatUint(c.FilesizeMiB(), 10))
	add("block_size", strconv.FormatUint(c.BlockSizeKiB(), 10))
	add("iodepth", strconv.FormatUint(uint64(c.IODepth()), 10))
	add("flush_blocks", strconv.FormatUint(c.FlushBlocks(), 10))
	add("write_ratio", strconv.FormatFloat(c.WriteRatio(), 'g', -1, 64))
	add("random_ratio", strconv.FormatFloat(c.RandomRatio(), 'g', -1, 64))
	return sb.String()
}
