package treadmill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/treadmill-sync/internal/bt"
	"github.com/lowaak/treadmill-sync/internal/events"
	"github.com/lowaak/treadmill-sync/internal/go_func_utils"
	"github.com/lowaak/treadmill-sync/internal/protocol"
	"github.com/lowaak/treadmill-sync/internal/workout"
)

var (
	ErrNoProtocol          = errors.New("no supported treadmill characteristic")
	ErrConnectionLost      = errors.New("connection lost")
	ErrNotificationTimeout = errors.New("notification timeout")
)

const frameBufferSize = 64

// Connector finds and connects to the treadmill, see bt.BTManager
type Connector interface {
	Scan(ctx context.Context, nameFilter string, timeout time.Duration) (bt.ScanHit, error)
	Connect(ctx context.Context, hit bt.ScanHit) (bt.Link, error)
}

// ReadingSink consumes decoded readings in arrival order, see workout.Engine
type ReadingSink interface {
	HandleReading(ctx context.Context, r protocol.Reading)
	ConnectionLost(ctx context.Context) workout.Outcome
	SetCounterLimits(limits protocol.CounterLimits)
}

// Recorder counts frames and reconnects, see the metrics package
type Recorder interface {
	FrameDecoded(protocol string)
	DecodeFailed(protocol string)
	Reconnect()
}

type noopRecorder struct{}

func (noopRecorder) FrameDecoded(string) {}
func (noopRecorder) DecodeFailed(string) {}
func (noopRecorder) Reconnect()          {}

type Config struct {
	DeviceNameFilter    string
	ScanTimeout         time.Duration
	ReconnectDelay      time.Duration
	NotificationTimeout time.Duration
	Verbose             bool
}

func DefaultConfig() Config {
	return Config{
		DeviceNameFilter:    "LifeSpan",
		ScanTimeout:         30 * time.Second,
		ReconnectDelay:      5 * time.Second,
		NotificationTimeout: 30 * time.Second,
	}
}

// Driver owns the treadmill connection: it scans, connects, picks the
// protocol, runs the handshake and polling, and feeds readings to the sink.
// Run reconnects forever until its context is cancelled.
type Driver struct {
	connector   Connector
	sink        ReadingSink
	registry    *protocol.Registry
	recorder    Recorder
	logger      *log.Logger
	cfg         Config
	statusEvent *events.CallbackEvent[ConnectionStatus]
}

func NewDriver(
	connector Connector,
	sink ReadingSink,
	registry *protocol.Registry,
	recorder Recorder,
	logger *log.Logger,
	cfg Config,
) *Driver {
	if connector == nil {
		panic("Driver: connector cannot be nil")
	}
	if sink == nil {
		panic("Driver: sink cannot be nil")
	}
	if logger == nil {
		panic("Driver: logger cannot be nil")
	}
	if registry == nil {
		registry = protocol.DefaultRegistry()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	defaults := DefaultConfig()
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaults.ScanTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = defaults.NotificationTimeout
	}
	d := &Driver{
		connector:   connector,
		sink:        sink,
		registry:    registry,
		recorder:    recorder,
		logger:      logger,
		cfg:         cfg,
		statusEvent: events.NewCallbackEvent[ConnectionStatus](true),
	}
	d.setStatus(ConnectionStatus{State: StateDisconnected})
	return d
}

// ListenToStatus registers callback for status transitions. The current
// status is delivered immediately. Returns a deregistration function.
func (d *Driver) ListenToStatus(callback func(ConnectionStatus)) func() {
	return d.statusEvent.Listen(callback)
}

func (d *Driver) Status() ConnectionStatus {
	status, _ := d.statusEvent.Last()
	return status
}

func (d *Driver) setStatus(status ConnectionStatus) {
	d.statusEvent.Notify(status)
}

// Run is the reconnecting supervisor. It only returns once ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Printf("Driver: Starting (filter=%q scan_timeout=%v reconnect_delay=%v notification_timeout=%v)",
		d.cfg.DeviceNameFilter, d.cfg.ScanTimeout, d.cfg.ReconnectDelay, d.cfg.NotificationTimeout)

	for {
		err := d.connectAndMonitor(ctx)
		if ctx.Err() != nil {
			d.setStatus(ConnectionStatus{State: StateDisconnected})
			d.logger.Println("Driver: Stopped")
			return ctx.Err()
		}
		if err != nil {
			d.logger.Printf("Driver: Connection error: %v", err)
			d.setStatus(ConnectionStatus{State: StateError, Error: err.Error()})
		} else {
			d.setStatus(ConnectionStatus{State: StateDisconnected})
		}

		d.recorder.Reconnect()
		d.logger.Printf("Driver: Waiting %v before reconnection attempt", d.cfg.ReconnectDelay)
		if !sleepCtx(ctx, d.cfg.ReconnectDelay) {
			d.setStatus(ConnectionStatus{State: StateDisconnected})
			d.logger.Println("Driver: Stopped")
			return ctx.Err()
		}
	}
}

// connectAndMonitor runs one connection cycle and returns why it ended
func (d *Driver) connectAndMonitor(ctx context.Context) error {
	d.setStatus(ConnectionStatus{State: StateScanning})
	hit, err := d.connector.Scan(ctx, d.cfg.DeviceNameFilter, d.cfg.ScanTimeout)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	d.setStatus(ConnectionStatus{State: StateConnecting, Device: hit.Name})
	link, err := d.connector.Connect(ctx, hit)
	if err != nil {
		return fmt.Errorf("connect to %s failed: %w", hit.Name, err)
	}
	defer func() {
		if err := link.Close(); err != nil {
			d.logger.Printf("Driver: Error disconnecting from %s: %v", link.Address(), err)
		}
	}()
	// The engine outlives this cycle, so it finishes the session even when ctx is cancelled.
	defer d.sink.ConnectionLost(context.WithoutCancel(ctx))

	uuids := link.CharacteristicUUIDs()
	d.logger.Printf("Driver: %s exposes %d characteristics", link.Name(), len(uuids))
	proto, ok := d.registry.Detect(uuids)
	if !ok {
		return fmt.Errorf("%s has none of %v: %w", link.Name(), d.registry.Names(), ErrNoProtocol)
	}
	comm := proto.Communication()
	d.logger.Printf("Driver: Using %s protocol (%s, characteristic %s)", proto.Name(), comm.Mode, proto.CharacteristicUUID())
	d.sink.SetCounterLimits(protocol.LimitsFor(proto))

	frames := make(chan []byte, frameBufferSize)
	err = link.Subscribe(proto.CharacteristicUUID(), func(buf []byte) {
		// the BLE stack may reuse buf
		frame := append([]byte(nil), buf...)
		select {
		case frames <- frame:
		default:
			d.logger.Printf("Driver: Frame buffer full, dropping %d byte frame", len(frame))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	if err := d.handshake(ctx, link, proto); err != nil {
		return err
	}

	d.setStatus(ConnectionStatus{State: StateConnected, Device: link.Name(), Protocol: proto.Name()})

	var (
		pending *pendingQueries
		pollErr = make(chan error, 1)
		wg      sync.WaitGroup
	)
	if comm.Mode == protocol.Polling {
		pending = newPendingQueries(maxPendingQueries)
		pollCtx, cancelPoll := context.WithCancel(ctx)
		defer func() {
			cancelPoll()
			wg.Wait()
		}()
		wg.Add(1)
		go_func_utils.SafeGo(d.logger, "Driver poller", func() {
			defer wg.Done()
			if err := d.poll(pollCtx, link, proto, pending); err != nil {
				pollErr <- err
			}
		})
	}

	return d.monitor(ctx, link, proto, pending, frames, pollErr)
}

func (d *Driver) handshake(ctx context.Context, link bt.Link, proto protocol.Protocol) error {
	cmds := proto.Handshake()
	if len(cmds) == 0 {
		return nil
	}
	d.logger.Printf("Driver: Sending %s handshake (%d commands)", proto.Name(), len(cmds))
	for i, cmd := range cmds {
		if err := link.Write(proto.CharacteristicUUID(), cmd.Data); err != nil {
			return fmt.Errorf("handshake command %d failed: %w", i+1, err)
		}
		if d.cfg.Verbose {
			d.logger.Printf("Driver: Sent handshake command %d/%d: % X", i+1, len(cmds), cmd.Data)
		}
		if !sleepCtx(ctx, cmd.Delay) {
			return ctx.Err()
		}
	}
	d.logger.Println("Driver: Handshake complete")
	return nil
}

// poll writes the protocol's queries round-robin. Each query is queued
// before its command is written so that the answer always finds it.
func (d *Driver) poll(ctx context.Context, link bt.Link, proto protocol.Protocol, pending *pendingQueries) error {
	queries := proto.PollingQueries()
	if len(queries) == 0 {
		return nil
	}
	interval := proto.Communication().Interval
	for {
		for _, q := range queries {
			cmd, ok := proto.QueryCommand(q)
			if !ok {
				return fmt.Errorf("%s: %w", q, protocol.ErrUnknownQuery)
			}
			pending.push(q)
			if err := link.Write(proto.CharacteristicUUID(), cmd); err != nil {
				return fmt.Errorf("failed to write %s query: %w", q, err)
			}
			if !sleepCtx(ctx, interval) {
				return nil
			}
		}
	}
}

func (d *Driver) monitor(
	ctx context.Context,
	link bt.Link,
	proto protocol.Protocol,
	pending *pendingQueries,
	frames <-chan []byte,
	pollErr <-chan error,
) error {
	timeout := d.cfg.NotificationTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var acc accumulator
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-link.Done():
			return ErrConnectionLost
		case err := <-pollErr:
			return fmt.Errorf("polling failed: %w", err)
		case <-timer.C:
			return fmt.Errorf("nothing received for %v: %w", timeout, ErrNotificationTimeout)
		case frame := <-frames:
			timer.Reset(timeout)
			d.handleFrame(ctx, proto, pending, &acc, frame)
		}
	}
}

func (d *Driver) handleFrame(
	ctx context.Context,
	proto protocol.Protocol,
	pending *pendingQueries,
	acc *accumulator,
	frame []byte,
) {
	if d.cfg.Verbose {
		d.logger.Printf("Driver: Frame % X", frame)
	}

	if pending == nil {
		r, err := proto.Decode(frame, nil)
		if err != nil {
			d.recorder.DecodeFailed(proto.Name())
			d.logger.Printf("Driver: Failed to parse %s frame: %v", proto.Name(), err)
			return
		}
		d.recorder.FrameDecoded(proto.Name())
		d.deliver(ctx, proto, r)
		return
	}

	q, ok := pending.pop()
	if !ok {
		if d.cfg.Verbose {
			d.logger.Printf("Driver: %s frame with no pending query", proto.Name())
		}
		return
	}
	r, err := proto.Decode(frame, &q)
	if err != nil {
		d.recorder.DecodeFailed(proto.Name())
		if d.cfg.Verbose {
			d.logger.Printf("Driver: Failed to parse %s response for %s: %v", proto.Name(), q, err)
		}
		return
	}
	d.recorder.FrameDecoded(proto.Name())
	acc.add(r)
	if proto.IsCycleComplete(q) {
		d.deliver(ctx, proto, acc.take())
	}
}

// deliver hands r to the sink unless no field made it through decoding
func (d *Driver) deliver(ctx context.Context, proto protocol.Protocol, r protocol.Reading) {
	if r.IsEmpty() {
		if d.cfg.Verbose {
			d.logger.Printf("Driver: %s reading without fields, skipped", proto.Name())
		}
		return
	}
	d.sink.HandleReading(ctx, r)
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
