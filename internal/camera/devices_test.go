package camera

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
)

// newTestDiscovery treats regular files as device nodes
func newTestDiscovery(t *testing.T) (*DiscoveryService, string, string) {
	t.Helper()
	devDir := t.TempDir()
	sysDir := t.TempDir()

	s := NewDiscoveryService(time.Hour, devDir, logger.NewNopLogger())
	s.sysfsRoot = sysDir
	s.isDevice = func(info os.FileInfo) bool { return info.Mode().IsRegular() }
	return s, devDir, sysDir
}

func touch(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestNewDiscoveryService_Defaults(t *testing.T) {
	s := NewDiscoveryService(0, "", logger.NewNopLogger())
	assert.Equal(t, "/dev", s.devicesDir)
	assert.Equal(t, 30*time.Second, s.interval)
	assert.Equal(t, "camera-discovery", s.Name())
}

func TestDiscoveryService_FindsDevicesSorted(t *testing.T) {
	s, devDir, sysDir := newTestDiscovery(t)
	touch(t, filepath.Join(devDir, "video2"), "")
	touch(t, filepath.Join(devDir, "video0"), "")
	touch(t, filepath.Join(devDir, "videocodec"), "") // not numbered
	touch(t, filepath.Join(devDir, "audio0"), "")
	touch(t, filepath.Join(sysDir, "video0", "name"), "Integrated Webcam\n")

	devices := s.Refresh()
	require.Len(t, devices, 2)
	assert.Equal(t, 0, devices[0].Index)
	assert.Equal(t, "Integrated Webcam", devices[0].Name)
	assert.Equal(t, filepath.Join(devDir, "video0"), devices[0].Path)
	assert.Equal(t, 2, devices[1].Index)
	assert.Equal(t, "USB Camera", devices[1].Name)

	assert.True(t, s.HasDevice(2))
	assert.False(t, s.HasDevice(1))
}

func TestDiscoveryService_SkipsNonDevices(t *testing.T) {
	s, devDir, _ := newTestDiscovery(t)
	s.isDevice = func(info os.FileInfo) bool { return info.Mode()&os.ModeCharDevice != 0 }
	touch(t, filepath.Join(devDir, "video0"), "")

	assert.Empty(t, s.Refresh())
}

func TestDiscoveryService_StartStop(t *testing.T) {
	s, devDir, _ := newTestDiscovery(t)
	touch(t, filepath.Join(devDir, "video0"), "")

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, service.StatusRunning, s.GetStatus().GetStatus())
	assert.Len(t, s.Devices(), 1, "Start scans synchronously")

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, service.StatusStopped, s.GetStatus().GetStatus())
}
