package control

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/logx"
)

func testTarget(t *testing.T, sizeMiB int64) string {
	t.Helper()
	f, err := os.CreateTemp("", "grind-control-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(f.Name()) })
	require.NoError(t, f.Truncate(sizeMiB*1024*1024))
	require.NoError(t, f.Close())
	return f.Name()
}

func testParams(t *testing.T, sizeMiB int64) config.Params {
	p := config.DefaultParams()
	p.Filename = testTarget(t, sizeMiB)
	p.ODirect = false
	return p
}

func TestNewDerivesFilesizeFromFile(t *testing.T) {
	cfg, err := config.New(testParams(t, 10))
	require.NoError(t, err)

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, uint64(10), cfg.FilesizeMiB())
}

func TestNewRejectsTinyFile(t *testing.T) {
	cfg, err := config.New(testParams(t, 1))
	require.NoError(t, err)

	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 10 MiB")
}

func TestNewOverridesSuppliedFilesize(t *testing.T) {
	p := testParams(t, 12)
	p.FilesizeMiB = 20
	cfg, err := config.New(p)
	require.NoError(t, err)

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, uint64(12), cfg.FilesizeMiB(), "on-disk size wins over the knob")
}

func TestNewRejectsMisalignedBlockSize(t *testing.T) {
	p := testParams(t, 10)
	st, err := os.Stat(p.Filename)
	require.NoError(t, err)
	blksize := st.Sys().(*syscall.Stat_t).Blksize
	if int64(5*1024)%blksize == 0 {
		t.Skipf("filesystem block size %d divides 5 KiB", blksize)
	}
	p.BlockSizeKiB = 5
	cfg, err := config.New(p)
	require.NoError(t, err)

	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filesystem block size")
}

func TestNewRejectsMissingFile(t *testing.T) {
	p := config.DefaultParams()
	p.Filename = "/nonexistent/grind-target"
	p.ODirect = false
	cfg, err := config.New(p)
	require.NoError(t, err)

	_, err = New(cfg)
	require.Error(t, err)
}

func TestNewRejectsLibAIOWithoutODirect(t *testing.T) {
	p := testParams(t, 10)
	p.IOEngine = config.EngineLibAIO
	cfg, err := config.New(p)
	require.NoError(t, err)

	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "o_direct")
}

func TestExecuteDelegation(t *testing.T) {
	cfg, err := config.New(testParams(t, 10))
	require.NoError(t, err)
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()
	oc := logx.NewOutput(nil)

	require.NoError(t, c.Execute("wait=true", oc))
	assert.True(t, cfg.Wait())

	err = c.Execute("iodepth=4", oc)
	require.Error(t, err, "iodepth is immutable under the posix engine")
	assert.Equal(t, uint32(1), cfg.IODepth())

	require.NoError(t, c.Execute("block_size=8", oc))
	assert.Equal(t, uint64(8), cfg.BlockSizeKiB())
}

func TestCloseDeletesOwnedFile(t *testing.T) {
	p := testParams(t, 10)
	p.DeleteFile = true
	cfg, err := config.New(p)
	require.NoError(t, err)

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = os.Stat(p.Filename)
	assert.True(t, os.IsNotExist(err))
}
