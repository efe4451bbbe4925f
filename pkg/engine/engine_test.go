package engine

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/godzie44/go-uring/uring"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/shape"
	"github.com/runningwild/grind/pkg/stats"
)

const testFileMiB = 1

func testConfig(t *testing.T, engineName string, mutate func(*config.Params)) *config.Config {
	t.Helper()
	p := config.DefaultParams()
	p.Filename = "unused"
	p.FilesizeMiB = testFileMiB
	p.IOEngine = engineName
	// O_DIRECT may not work on the filesystem backing the temp dir.
	p.ODirect = false
	if mutate != nil {
		mutate(&p)
	}
	cfg, err := config.New(p)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func testFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp("", "grind-engine-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close(); os.Remove(f.Name()) })
	if err := f.Truncate(testFileMiB * 1024 * 1024); err != nil {
		t.Fatal(err)
	}
	return f
}

// runEngine drives the engine for the given duration and returns the
// counters plus every released request in completion order.
func runEngine(t *testing.T, cfg *config.Config, d time.Duration) (stats.Stats, []shape.AccessParams) {
	t.Helper()
	f := testFile(t)
	acc := stats.NewAccumulator()

	var mu sync.Mutex
	var seen []shape.AccessParams
	deps := Deps{
		Cfg:    cfg,
		File:   f,
		Shaper: shape.NewSeeded(cfg, 1),
		Acc:    acc,
		OnRelease: func(p shape.AccessParams) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	}
	eng, err := New(deps)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return acc.Snapshot(), seen
}

func checkBounds(t *testing.T, seen []shape.AccessParams) {
	t.Helper()
	for _, p := range seen {
		if p.Offset%p.Size != 0 {
			t.Fatalf("offset %d not aligned to %d", p.Offset, p.Size)
		}
		if p.Offset+p.Size > testFileMiB*1024*1024 {
			t.Fatalf("offset %d + size %d beyond file end", p.Offset, p.Size)
		}
	}
}

func TestPosixSequentialRead(t *testing.T) {
	cfg := testConfig(t, config.EnginePosix, nil)
	st, seen := runEngine(t, cfg, 200*time.Millisecond)

	if st.Blocks == 0 {
		t.Fatal("no requests completed")
	}
	if st.BlocksWrite != 0 {
		t.Errorf("pure read workload wrote %d blocks", st.BlocksWrite)
	}
	fileBlocks := int64(testFileMiB * 1024 / 4)
	for i, p := range seen {
		want := (int64(i) % fileBlocks) * 4096
		if p.Offset != want {
			t.Fatalf("request %d at offset %d, want %d", i, p.Offset, want)
		}
	}
	t.Logf("posix: %d blocks in 200ms", st.Blocks)
}

func TestPosixMixedReadWrite(t *testing.T) {
	cfg := testConfig(t, config.EnginePosix, func(p *config.Params) {
		p.WriteRatio = 0.5
		p.RandomRatio = 1
	})
	st, seen := runEngine(t, cfg, 300*time.Millisecond)

	if st.Blocks == 0 {
		t.Fatal("no requests completed")
	}
	if st.BlocksRead+st.BlocksWrite != st.Blocks {
		t.Errorf("read %d + write %d != total %d", st.BlocksRead, st.BlocksWrite, st.Blocks)
	}
	frac := float64(st.BlocksWrite) / float64(st.Blocks)
	if frac < 0.2 || frac > 0.8 {
		t.Errorf("write fraction %.2f far from 0.5", frac)
	}
	checkBounds(t, seen)
}

func TestPrwv2RandomMixed(t *testing.T) {
	cfg := testConfig(t, config.EnginePrwv2, func(p *config.Params) {
		p.IODepth = 4
		p.WriteRatio = 0.5
		p.RandomRatio = 1
	})
	st, seen := runEngine(t, cfg, 300*time.Millisecond)

	if st.Blocks == 0 {
		t.Fatal("no requests completed")
	}
	if uint64(len(seen)) != st.Blocks {
		t.Errorf("released %d requests, counted %d blocks", len(seen), st.Blocks)
	}
	checkBounds(t, seen)
	t.Logf("prwv2: %d blocks in 300ms", st.Blocks)
}

func TestLibAIORandomRead(t *testing.T) {
	cfg := testConfig(t, config.EngineLibAIO, func(p *config.Params) {
		p.IODepth = 8
		p.RandomRatio = 1
	})
	f := testFile(t)
	acc := stats.NewAccumulator()
	eng, err := New(Deps{Cfg: cfg, File: f, Shaper: shape.NewSeeded(cfg, 1), Acc: acc})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := eng.Run(ctx); err != nil {
		if strings.Contains(err.Error(), "io_setup") {
			t.Skipf("kernel AIO unavailable: %v", err)
		}
		t.Fatalf("Run failed: %v", err)
	}
	if st := acc.Snapshot(); st.Blocks == 0 {
		t.Fatal("no requests completed")
	} else {
		t.Logf("libaio: %d blocks in 300ms", st.Blocks)
	}
}

func TestUringRandomRead(t *testing.T) {
	if ring, err := uring.New(8); err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	} else {
		ring.Close()
	}

	cfg := testConfig(t, config.EngineUring, func(p *config.Params) {
		p.IODepth = 8
		p.RandomRatio = 1
	})
	st, seen := runEngine(t, cfg, 300*time.Millisecond)
	if st.Blocks == 0 {
		t.Fatal("no requests completed")
	}
	checkBounds(t, seen)
	t.Logf("uring: %d blocks in 300ms", st.Blocks)
}

func TestWaitStopsRequestFlow(t *testing.T) {
	cfg := testConfig(t, config.EnginePosix, func(p *config.Params) { p.Wait = true })
	st, _ := runEngine(t, cfg, 300*time.Millisecond)
	if st.Blocks != 0 {
		t.Errorf("paused engine completed %d blocks", st.Blocks)
	}
}

func TestOpenFlags(t *testing.T) {
	posix := testConfig(t, config.EnginePosix, func(p *config.Params) { p.ODirect = true; p.ODSync = true })
	if flags := OpenFlags(posix); flags&syscall.O_DIRECT == 0 || flags&syscall.O_DSYNC == 0 {
		t.Errorf("posix flags %#x missing O_DIRECT or O_DSYNC", flags)
	}
	prwv2 := testConfig(t, config.EnginePrwv2, func(p *config.Params) { p.ODSync = true })
	if flags := OpenFlags(prwv2); flags&syscall.O_DSYNC != 0 {
		t.Errorf("prwv2 passes RWF_DSYNC per write, open flags %#x must not carry O_DSYNC", flags)
	}
}
