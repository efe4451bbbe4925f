package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/grind/pkg/logx"
)

func validParams() Params {
	p := DefaultParams()
	p.Filename = "/tmp/grind-test-target"
	return p
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
		errHas string
	}{
		{"missing filename", func(p *Params) { p.Filename = "" }, "filename"},
		{"create too small", func(p *Params) { p.CreateFile = true; p.FilesizeMiB = 5 }, "filesize"},
		{"bad engine", func(p *Params) { p.IOEngine = "nvme" }, "io_engine"},
		{"iodepth zero", func(p *Params) { p.IOEngine = EngineLibAIO; p.IODepth = 0 }, "iodepth"},
		{"iodepth too deep", func(p *Params) { p.IOEngine = EngineLibAIO; p.IODepth = 129 }, "iodepth"},
		{"posix multi depth", func(p *Params) { p.IODepth = 4 }, "iodepth 1"},
		{"block too small", func(p *Params) { p.BlockSizeKiB = 2 }, "block_size"},
		{"write ratio range", func(p *Params) { p.WriteRatio = 1.5 }, "write_ratio"},
		{"random ratio range", func(p *Params) { p.RandomRatio = -0.1 }, "random_ratio"},
		{"zero interval", func(p *Params) { p.StatsInterval = 0 }, "stats_interval"},
		{"bad script", func(p *Params) { p.CommandScript = "oops" }, "command script"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := New(p)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errHas)
		})
	}
}

func TestNewDirectIOForcesFlags(t *testing.T) {
	p := validParams()
	p.DirectIO = true
	p.ODirect = false
	p.ODSync = false
	c, err := New(p)
	require.NoError(t, err)
	assert.True(t, c.ODirect)
	assert.True(t, c.ODSync)
}

func TestExecuteMutations(t *testing.T) {
	p := validParams()
	p.IOEngine = EngineLibAIO
	p.IODepth = 8
	c, err := New(p)
	require.NoError(t, err)
	oc := logx.NewOutput(nil)

	require.NoError(t, c.Execute("block_size=64", oc))
	assert.Equal(t, uint64(64), c.BlockSizeKiB())
	assert.True(t, c.ConsumeChanged())
	assert.False(t, c.ConsumeChanged(), "changed flag must be consumed once")

	require.NoError(t, c.Execute("iodepth=32", oc))
	assert.Equal(t, uint32(32), c.IODepth())

	require.NoError(t, c.Execute("write_ratio=0.25", oc))
	assert.Equal(t, 0.25, c.WriteRatio())

	require.NoError(t, c.Execute("wait", oc))
	assert.True(t, c.Wait())
	require.NoError(t, c.Execute("wait=false", oc))
	assert.False(t, c.Wait())

	require.NoError(t, c.Execute("flush_blocks=100", oc))
	assert.Equal(t, uint64(100), c.FlushBlocks())
}

func TestExecuteRejectsBadValues(t *testing.T) {
	c, err := New(validParams())
	require.NoError(t, err)
	oc := logx.NewOutput(nil)
	c.ConsumeChanged()

	assert.Error(t, c.Execute("block_size=2", oc))
	assert.Equal(t, uint64(4), c.BlockSizeKiB(), "rejected command must not mutate")
	assert.Error(t, c.Execute("write_ratio=1.5", oc))
	assert.Error(t, c.Execute("frobnicate=1", oc))
	assert.False(t, c.ConsumeChanged(), "rejected commands must not mark change")
}

func TestExecuteIODepthImmutableOnPosix(t *testing.T) {
	c, err := New(validParams())
	require.NoError(t, err)
	err = c.Execute("iodepth=4", logx.NewOutput(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
	assert.Equal(t, uint32(1), c.IODepth())
}

func TestStatsLineKeyOrder(t *testing.T) {
	c, err := New(validParams())
	require.NoError(t, err)
	line := c.StatsLine()
	keys := []string{"wait", "filesize", "block_size", "iodepth", "flush_blocks", "write_ratio", "random_ratio"}
	pos := -1
	for _, k := range keys {
		i := strings.Index(line, `"`+k+`"`)
		require.GreaterOrEqual(t, i, 0, "missing key %q in %s", k, line)
		assert.Greater(t, i, pos, "key %q out of order in %s", k, line)
		pos = i
	}
}

func TestParseScript(t *testing.T) {
	s, err := ParseScript("30:wait=false;1m:iodepth=16;90s:stop")
	require.NoError(t, err)
	require.Len(t, s, 3)
	assert.Equal(t, ScriptCommand{Time: 30, Command: "wait=false"}, s[0])
	assert.Equal(t, ScriptCommand{Time: 60, Command: "iodepth=16"}, s[1])
	assert.Equal(t, ScriptCommand{Time: 90, Command: "stop"}, s[2])

	empty, err := ParseScript("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"stop", "x:stop", "5:"} {
		_, err := ParseScript(bad)
		assert.Error(t, err, "script %q", bad)
	}
}
