package bt

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/treadmill-sync/internal/safe_map"
)

// Link is one connected peripheral. Characteristic UUIDs are lowercase
// 128-bit strings, e.g. 00002acd-0000-1000-8000-00805f9b34fb.
type Link interface {
	Address() string
	Name() string
	CharacteristicUUIDs() []string
	Subscribe(characteristicUuid string, callback func(buf []byte)) error
	Write(characteristicUuid string, data []byte) error
	// Done is closed once the peripheral disconnects
	Done() <-chan struct{}
	Close() error
}

var _ Link = (*btDevice)(nil)

type btDevice struct {
	address              bluetooth.Address
	name                 string
	device               bluetooth.Device
	logger               *log.Logger
	bleMu                sync.Mutex // Serializes BLE characteristic operations (notifications, writes)
	characteristicByUuid *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	done                 chan struct{}
	doneOnce             sync.Once
}

func newBtDevice(logger *log.Logger, hit ScanHit, device bluetooth.Device) *btDevice {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	return &btDevice{
		address:              hit.Address,
		name:                 hit.Name,
		device:               device,
		logger:               logger,
		characteristicByUuid: safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		done:                 make(chan struct{}),
	}
}

func (b *btDevice) Address() string {
	return b.address.String()
}

func (b *btDevice) Name() string {
	return b.name
}

// discover walks every service and caches all of its characteristics.
// Discovering services one at a time interrupts services already in use.
func (b *btDevice) discover() error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	b.logger.Printf("BTDevice: Discovering all services for %s", b.Address())
	services, err := b.device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("error discovering services: %w", err)
	}

	for i := range services {
		svc := &services[i]
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("could not discover characteristics for service %v: %w", svc.UUID().String(), err)
		}
		for j := range chars {
			char := &chars[j]
			uuid := strings.ToLower(char.UUID().String())
			b.characteristicByUuid.Store(uuid, char)
			b.logger.Printf("BTDevice: Service %s characteristic %s", svc.UUID().String(), uuid)
		}
	}
	return nil
}

func (b *btDevice) CharacteristicUUIDs() []string {
	uuids := b.characteristicByUuid.Keys()
	sort.Strings(uuids)
	return uuids
}

func (b *btDevice) getCharacteristic(characteristicUuid string) (*bluetooth.DeviceCharacteristic, error) {
	char, ok := b.characteristicByUuid.Load(strings.ToLower(characteristicUuid))
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found on %v", characteristicUuid, b.Address())
	}
	return char, nil
}

func (b *btDevice) Subscribe(characteristicUuid string, callback func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	char, err := b.getCharacteristic(characteristicUuid)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	b.logger.Printf("BTDevice: Notifications enabled for %s", characteristicUuid)
	return nil
}

func (b *btDevice) Write(characteristicUuid string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	char, err := b.getCharacteristic(characteristicUuid)
	if err != nil {
		return err
	}
	if _, err := char.Write(data); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

func (b *btDevice) Done() <-chan struct{} {
	return b.done
}

func (b *btDevice) markDisconnected() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *btDevice) Close() error {
	defer b.markDisconnected()
	select {
	case <-b.done:
		return nil
	default:
	}
	return b.device.Disconnect()
}
