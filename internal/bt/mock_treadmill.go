package bt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/treadmill-sync/internal/go_func_utils"
	"github.com/lowaak/treadmill-sync/internal/protocol"
)

const (
	mockAddress         = "00:11:22:33:44:55"
	mockKcalPerMeter    = 0.06
	maxMockWrittenItems = 100
)

// FTMS Treadmill Data flags sent by the mock: speed (bit 0 clear), total
// distance, inclination, expended energy, heart rate and elapsed time.
const mockTreadmillDataFlags = 1<<2 | 1<<3 | 1<<7 | 1<<8 | 1<<10

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	DataHex            string    `json:"dataHex"`
}

// MockTreadmillState is the simulated console as shown by the control API
type MockTreadmillState struct {
	SpeedKmh       float64 `json:"speedKmh"`
	InclinePercent float64 `json:"inclinePercent"`
	HeartRate      uint8   `json:"heartRate"`
	DistanceMeters uint32  `json:"distanceMeters"`
	EnergyKcal     uint32  `json:"energyKcal"`
	ElapsedSeconds uint32  `json:"elapsedSeconds"`
	Connected      bool    `json:"connected"`
	LocalName      string  `json:"localName"`
}

type MockBTManagerConfig struct {
	LocalName string
	// ControlAddr is the listen address of the control API, empty disables it
	ControlAddr string
	// Interval between treadmill data notifications
	Interval time.Duration
}

// MockBTManager stands in for BTManager without Bluetooth hardware. It
// "finds" a single FTMS treadmill whose belt is driven over a small HTTP API.
// Counters survive reconnects like on a real console.
type MockBTManager struct {
	logger *log.Logger
	cfg    MockBTManagerConfig
	server *http.Server

	mu            sync.Mutex
	speed         uint16 // 0.01 km/h
	incline       int16  // 0.1 %
	heartRate     uint8
	distance      float64
	energy        float64
	elapsed       float64
	link          *mockLink
	writtenValues []WrittenValue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMockBTManager(logger *log.Logger, cfg MockBTManagerConfig) *MockBTManager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "Mock Treadmill"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MockBTManager{
		logger:    logger,
		cfg:       cfg,
		heartRate: 90,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enable starts the belt simulation and the control API
func (m *MockBTManager) Enable() error {
	m.logger.Printf("MockBTManager: Enabling mock treadmill %q", m.cfg.LocalName)

	if m.cfg.ControlAddr != "" {
		m.server = &http.Server{
			Addr:              m.cfg.ControlAddr,
			Handler:           m.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		m.wg.Add(1)
		go_func_utils.SafeGo(m.logger, "mock control server", func() {
			defer m.wg.Done()
			m.logger.Printf("MockBTManager: Control API on http://%s", m.cfg.ControlAddr)
			if err := m.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				m.logger.Printf("MockBTManager: Control API error: %v", err)
			}
		})
	}

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, "mock treadmill", func() {
		defer m.wg.Done()
		m.run()
	})
	return nil
}

func (m *MockBTManager) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(now.Sub(last))
			last = now
		}
	}
}

// Tick advances the belt by dt and notifies the subscribed link, if any
func (m *MockBTManager) Tick(dt time.Duration) {
	m.mu.Lock()
	if m.speed > 0 {
		meters := float64(m.speed) / 100 / 3.6 * dt.Seconds()
		m.distance += meters
		m.energy += meters * mockKcalPerMeter
		m.elapsed += dt.Seconds()
	}
	frame := m.treadmillDataLocked()
	link := m.link
	m.mu.Unlock()

	if link != nil {
		link.notify(frame)
	}
}

// treadmillDataLocked encodes the current state as an FTMS Treadmill Data
// frame. Counters are truncated to their field widths so they wrap like on
// hardware.
func (m *MockBTManager) treadmillDataLocked() []byte {
	distance := uint32(m.distance) & 0xFFFFFF
	energy := uint16(m.energy)
	elapsed := uint16(m.elapsed)
	flags := uint16(mockTreadmillDataFlags)

	buf := make([]byte, 0, 19)
	buf = append(buf, byte(flags), byte(flags>>8))
	buf = append(buf, byte(m.speed), byte(m.speed>>8))
	buf = append(buf, byte(distance), byte(distance>>8), byte(distance>>16))
	buf = append(buf, byte(m.incline), byte(uint16(m.incline)>>8), 0x00, 0x00)
	buf = append(buf, byte(energy), byte(energy>>8), 0xFF, 0xFF, 0xFF)
	buf = append(buf, m.heartRate)
	buf = append(buf, byte(elapsed), byte(elapsed>>8))
	return buf
}

// SetSpeed sets the belt speed in km/h
func (m *MockBTManager) SetSpeed(kmh float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speed = uint16(kmh * 100)
}

// ResetCounters zeroes the console counters, as the power button does
func (m *MockBTManager) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distance, m.energy, m.elapsed = 0, 0, 0
	m.logger.Println("MockBTManager: Counters reset")
}

// DropLink simulates the treadmill going out of range
func (m *MockBTManager) DropLink() bool {
	m.mu.Lock()
	link := m.link
	m.link = nil
	m.mu.Unlock()
	if link == nil {
		return false
	}
	m.logger.Println("MockBTManager: Dropping link")
	link.markDisconnected()
	return true
}

func (m *MockBTManager) State() MockTreadmillState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MockTreadmillState{
		SpeedKmh:       float64(m.speed) / 100,
		InclinePercent: float64(m.incline) / 10,
		HeartRate:      m.heartRate,
		DistanceMeters: uint32(m.distance),
		EnergyKcal:     uint32(m.energy),
		ElapsedSeconds: uint32(m.elapsed),
		Connected:      m.link != nil,
		LocalName:      m.cfg.LocalName,
	}
}

func (m *MockBTManager) Scan(ctx context.Context, nameFilter string, _ time.Duration) (ScanHit, error) {
	if err := ctx.Err(); err != nil {
		return ScanHit{}, err
	}
	if !strings.Contains(m.cfg.LocalName, nameFilter) {
		return ScanHit{}, fmt.Errorf("no device matching %q, seen [%s]: %w", nameFilter, m.cfg.LocalName, ErrDeviceNotFound)
	}
	m.logger.Printf("MockBTManager: Found device: %s (%s)", m.cfg.LocalName, mockAddress)
	return ScanHit{Address: bluetooth.Address{}, Name: m.cfg.LocalName, RSSI: -50}, nil
}

func (m *MockBTManager) Connect(ctx context.Context, hit ScanHit) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	link := &mockLink{manager: m, done: make(chan struct{})}

	m.mu.Lock()
	previous := m.link
	m.link = link
	m.mu.Unlock()
	if previous != nil {
		previous.markDisconnected()
	}

	m.logger.Printf("MockBTManager: Connected to %s", hit.Name)
	return link, nil
}

func (m *MockBTManager) recordWrite(characteristicUuid string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writtenValues = append(m.writtenValues, WrittenValue{
		Timestamp:          time.Now(),
		CharacteristicUUID: characteristicUuid,
		DataHex:            hex.EncodeToString(data),
	})
	if len(m.writtenValues) > maxMockWrittenItems {
		m.writtenValues = m.writtenValues[len(m.writtenValues)-maxMockWrittenItems:]
	}
}

func (m *MockBTManager) detach(link *mockLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == link {
		m.link = nil
	}
}

// Shutdown stops the simulation and the control API
func (m *MockBTManager) Shutdown() {
	m.logger.Println("MockBTManager: Shutting down")
	m.DropLink()
	m.cancel()
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Printf("MockBTManager: Error shutting down control API: %v", err)
		}
	}
	m.wg.Wait()
	m.logger.Println("MockBTManager: Shutdown complete")
}

// --- Control API ---

func (m *MockBTManager) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/state", m.handleGetState).Methods("GET")
	r.HandleFunc("/api/set", m.handleSetValues).Methods("POST")
	r.HandleFunc("/api/reset", m.handleReset).Methods("POST")
	r.HandleFunc("/api/disconnect", m.handleDisconnect).Methods("POST")
	r.HandleFunc("/api/writes", m.handleGetWrites).Methods("GET")
	return r
}

func (m *MockBTManager) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeMockJSON(w, m.State())
}

func (m *MockBTManager) handleSetValues(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		speed, incline *float64
		heartRate      *uint8
	)
	if s := query.Get("speedKmh"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 || v > 30 {
			http.Error(w, "speedKmh must be in 0..30", http.StatusBadRequest)
			return
		}
		speed = &v
	}
	if s := query.Get("incline"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < protocol.MinInclinePercent || v > protocol.MaxInclinePercent {
			http.Error(w, "incline out of range", http.StatusBadRequest)
			return
		}
		incline = &v
	}
	if s := query.Get("heartRate"); s != "" {
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			http.Error(w, "heartRate must be 0..255", http.StatusBadRequest)
			return
		}
		hr := uint8(v)
		heartRate = &hr
	}

	m.mu.Lock()
	if speed != nil {
		m.speed = uint16(*speed * 100)
	}
	if incline != nil {
		m.incline = int16(*incline * 10)
	}
	if heartRate != nil {
		m.heartRate = *heartRate
	}
	m.mu.Unlock()

	writeMockJSON(w, m.State())
}

func (m *MockBTManager) handleReset(w http.ResponseWriter, _ *http.Request) {
	m.ResetCounters()
	writeMockJSON(w, m.State())
}

func (m *MockBTManager) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if !m.DropLink() {
		http.Error(w, "not connected", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockBTManager) handleGetWrites(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	writes := make([]WrittenValue, len(m.writtenValues))
	copy(writes, m.writtenValues)
	m.mu.Unlock()
	writeMockJSON(w, writes)
}

func writeMockJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// --- Link ---

var _ Link = (*mockLink)(nil)

type mockLink struct {
	manager  *MockBTManager
	mu       sync.Mutex
	callback func([]byte)
	done     chan struct{}
	doneOnce sync.Once
}

func (l *mockLink) Address() string { return mockAddress }

func (l *mockLink) Name() string { return l.manager.cfg.LocalName }

func (l *mockLink) CharacteristicUUIDs() []string {
	return []string{protocol.FTMSTreadmillDataUUID}
}

func (l *mockLink) Subscribe(characteristicUuid string, callback func(buf []byte)) error {
	if !strings.EqualFold(characteristicUuid, protocol.FTMSTreadmillDataUUID) {
		return fmt.Errorf("characteristic %s not found", characteristicUuid)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = callback
	return nil
}

func (l *mockLink) Write(characteristicUuid string, data []byte) error {
	select {
	case <-l.done:
		return errors.New("link closed")
	default:
	}
	l.manager.recordWrite(characteristicUuid, data)
	return nil
}

func (l *mockLink) notify(frame []byte) {
	l.mu.Lock()
	callback := l.callback
	l.mu.Unlock()
	select {
	case <-l.done:
		return
	default:
	}
	if callback != nil {
		callback(frame)
	}
}

func (l *mockLink) Done() <-chan struct{} {
	return l.done
}

func (l *mockLink) markDisconnected() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *mockLink) Close() error {
	l.markDisconnected()
	l.manager.detach(l)
	return nil
}
