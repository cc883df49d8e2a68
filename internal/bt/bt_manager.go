package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/treadmill-sync/internal/go_func_utils"
	"github.com/lowaak/treadmill-sync/internal/safe_map"
)

var ErrDeviceNotFound = errors.New("device not found")

// ScanHit is a peripheral whose advertised name matched the scan filter
type ScanHit struct {
	Address bluetooth.Address
	Name    string
	RSSI    int16
}

type BTManager struct {
	adapter *bluetooth.Adapter
	links   *safe_map.SafeMap[string, *btDevice]
	mu      sync.Mutex // one scan at a time
	logger  *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	return &BTManager{
		adapter: adapter,
		links:   safe_map.NewSafeMap[string, *btDevice](),
		logger:  logger,
	}
}

func (m *BTManager) Enable() error {
	// Disconnects close the link's Done channel so the driver notices them
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			m.logger.Printf("BTManager: Device connected: %s", addressStr)
			return
		}
		m.logger.Printf("BTManager: Device disconnected: %s", addressStr)
		if link, ok := m.links.Load(addressStr); ok {
			link.markDisconnected()
			m.links.Delete(addressStr)
		}
	})
	return m.adapter.Enable()
}

// Scan looks for a peripheral whose local name contains nameFilter. When
// nothing matches before the timeout, the error lists every name seen.
func (m *BTManager) Scan(ctx context.Context, nameFilter string, timeout time.Duration) (ScanHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Printf("BTManager: Scanning for %q (timeout %v)", nameFilter, timeout)
	seen := safe_map.NewSafeMap[string, struct{}]()
	found := make(chan ScanHit, 1)
	scanDone := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go_func_utils.SafeGo(m.logger, "BTManager scan", func() {
		defer wg.Done()
		defer close(scanDone)
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if name == "" {
				return
			}
			if _, ok := seen.Load(name); !ok {
				seen.Store(name, struct{}{})
				m.logger.Printf("BTManager: Discovered %q (%s) [RSSI: %d]", name, result.Address.String(), result.RSSI)
			}
			if !strings.Contains(name, nameFilter) {
				return
			}
			select {
			case found <- ScanHit{Address: result.Address, Name: name, RSSI: result.RSSI}:
			default:
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: Scan error: %v", err)
		}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		hit ScanHit
		err error
	)
	select {
	case hit = <-found:
		m.logger.Printf("BTManager: Found %q (%s)", hit.Name, hit.Address.String())
	case <-timer.C:
		names := seen.Keys()
		sort.Strings(names)
		err = fmt.Errorf("no device matching %q after %v, seen %v: %w", nameFilter, timeout, names, ErrDeviceNotFound)
	case <-scanDone:
		err = errors.New("scan stopped unexpectedly")
	case <-ctx.Done():
		err = ctx.Err()
	}

	if stopErr := m.adapter.StopScan(); stopErr != nil {
		m.logger.Printf("BTManager: Error stopping scan: %v", stopErr)
	}
	wg.Wait()
	return hit, err
}

// Connect connects to a scanned peripheral and discovers all of its characteristics
func (m *BTManager) Connect(ctx context.Context, hit ScanHit) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addressStr := hit.Address.String()
	m.logger.Printf("BTManager: Connecting to %s", addressStr)

	device, err := m.adapter.Connect(hit.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addressStr, err)
	}

	link := newBtDevice(m.logger, hit, device)
	m.links.Store(addressStr, link)
	if err := link.discover(); err != nil {
		link.Close()
		m.links.Delete(addressStr)
		return nil, err
	}
	return link, nil
}

// Shutdown disconnects every link still open
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")
	for _, addr := range m.links.Keys() {
		link, ok := m.links.Load(addr)
		if !ok {
			continue
		}
		if err := link.Close(); err != nil {
			m.logger.Printf("BTManager: Error disconnecting from %v: %v", addr, err)
		}
		m.links.Delete(addr)
	}
	m.logger.Println("BTManager: Shutdown complete")
}
