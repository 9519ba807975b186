package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
)

// Device is a local video capture device node
type Device struct {
	Path  string `json:"path"`  // e.g. /dev/video0
	Index int    `json:"index"` // numeric suffix, the OpenCV device id
	Name  string `json:"name"`  // from sysfs when available
}

// DiscoveryService keeps an up to date list of local video devices
type DiscoveryService struct {
	*service.ServiceBase
	devicesDir string
	sysfsRoot  string
	interval   time.Duration
	isDevice   func(os.FileInfo) bool

	mu      sync.RWMutex
	devices []Device
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDiscoveryService creates a device discovery service scanning devicesDir
func NewDiscoveryService(interval time.Duration, devicesDir string, log *logger.Logger) *DiscoveryService {
	if devicesDir == "" {
		devicesDir = "/dev"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DiscoveryService{
		ServiceBase: service.NewServiceBase("camera-discovery", log),
		devicesDir:  devicesDir,
		sysfsRoot:   "/sys/class/video4linux",
		interval:    interval,
		isDevice: func(info os.FileInfo) bool {
			return info.Mode()&os.ModeCharDevice != 0
		},
	}
}

// Start scans once synchronously and then periodically
func (s *DiscoveryService) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)
	s.Refresh()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

func (s *DiscoveryService) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopping)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Refresh rescans the devices directory
func (s *DiscoveryService) Refresh() []Device {
	devices, err := s.findVideoDevices()
	if err != nil {
		s.LogError("Failed to find video devices", err)
		return s.Devices()
	}

	s.mu.Lock()
	prev := len(s.devices)
	s.devices = devices
	s.mu.Unlock()

	if len(devices) != prev {
		s.LogInfo("Video devices changed", "count", len(devices), "previous", prev)
	}
	return devices
}

// Devices returns the last scan result
func (s *DiscoveryService) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// HasDevice reports whether a device with the given index is present
func (s *DiscoveryService) HasDevice(index int) bool {
	for _, d := range s.Devices() {
		if d.Index == index {
			return true
		}
	}
	return false
}

func (s *DiscoveryService) findVideoDevices() ([]Device, error) {
	matches, err := filepath.Glob(filepath.Join(s.devicesDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob video devices: %w", err)
	}

	devices := make([]Device, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !s.isDevice(info) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(match), "video"))
		if err != nil {
			continue
		}
		devices = append(devices, Device{
			Path:  match,
			Index: index,
			Name:  s.sysfsName(filepath.Base(match)),
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// sysfsName reads /sys/class/video4linux/<node>/name
func (s *DiscoveryService) sysfsName(node string) string {
	data, err := os.ReadFile(filepath.Join(s.sysfsRoot, node, "name"))
	if err != nil {
		return "USB Camera"
	}
	return strings.TrimSpace(string(data))
}
