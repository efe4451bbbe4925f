package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/logx"
)

func testConfig(t *testing.T, mutate func(*config.Params)) *config.Config {
	t.Helper()
	p := config.DefaultParams()
	p.Filename = "/tmp/grind-shaper-test"
	p.FilesizeMiB = 10
	if mutate != nil {
		mutate(&p)
	}
	cfg, err := config.New(p)
	require.NoError(t, err)
	return cfg
}

func TestNextAlignmentAndBounds(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) {
		p.WriteRatio = 0.5
		p.RandomRatio = 0.5
	})
	s := NewSeeded(cfg, 11)

	fileBytes := int64(10 * 1024 * 1024)
	for i := 0; i < 100000; i++ {
		p := s.Next()
		assert.Equal(t, int64(4096), p.Size)
		if p.Offset%p.Size != 0 {
			t.Fatalf("offset %d not aligned to %d", p.Offset, p.Size)
		}
		if p.Offset+p.Size > fileBytes {
			t.Fatalf("offset %d + size %d beyond file end %d", p.Offset, p.Size, fileBytes)
		}
	}
}

func TestNextSequentialWraps(t *testing.T) {
	cfg := testConfig(t, nil)
	s := NewSeeded(cfg, 1)

	fileBlocks := int64(10 * 1024 / 4)
	for i := int64(0); i < fileBlocks*2; i++ {
		p := s.Next()
		want := (i % fileBlocks) * 4096
		require.Equal(t, want, p.Offset, "request %d", i)
		assert.False(t, p.Write)
	}
}

func TestNextWriteRatioConverges(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) { p.WriteRatio = 0.3 })
	s := NewSeeded(cfg, 5)

	writes := 0
	const draws = 100000
	for i := 0; i < draws; i++ {
		if s.Next().Write {
			writes++
		}
	}
	got := float64(writes) / draws
	assert.InDelta(t, 0.3, got, 0.02)
}

func TestRebuildRestartsSequentialCursor(t *testing.T) {
	cfg := testConfig(t, nil)
	s := NewSeeded(cfg, 2)

	for i := 0; i < 10; i++ {
		s.Next()
	}
	require.NoError(t, cfg.Execute("block_size=8", logx.NewOutput(nil)))
	s.Rebuild()

	p := s.Next()
	assert.Equal(t, int64(0), p.Offset)
	assert.Equal(t, int64(8192), p.Size)
}

func TestNextFlushWatermark(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) {
		p.WriteRatio = 1
		p.FlushBlocks = 10
	})
	s := NewSeeded(cfg, 9)

	sinceFlush := 0
	for i := 0; i < 1000; i++ {
		p := s.Next()
		require.True(t, p.Write)
		sinceFlush++
		if p.Flush {
			assert.Equal(t, 10, sinceFlush, "request %d", i)
			sinceFlush = 0
		}
	}
}

func TestNextNoFlushWhenDisabled(t *testing.T) {
	cfg := testConfig(t, func(p *config.Params) { p.WriteRatio = 1 })
	s := NewSeeded(cfg, 4)
	for i := 0; i < 1000; i++ {
		if s.Next().Flush {
			t.Fatal("flush issued with flush_blocks=0")
		}
	}
}
