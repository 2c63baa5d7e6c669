// Copyright (C) 2018 Rob Caelers <rob.caelers@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package ble

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/godfu/nrf-securedfu/dfu"
	"github.com/pkg/errors"
)

// GoBleInitFunc constructs the platform-specific go-ble device (e.g. the
// Linux HCI or macOS CoreBluetooth backend). NewScanner runs it at
// most once per process, matching go-ble's single default-device model.
type GoBleInitFunc func() (ble.Device, error)

var (
	defaultDeviceOnce sync.Once
	defaultDeviceErr  error
)

// Scanner discovers and connects to peripherals. It is the host's entry
// point into this package; the Peripheral it returns from ConnectName or
// ConnectAddress is what gets handed to dfu.NewSession.
type Scanner struct{}

// NewScanner installs init as the default go-ble device, if one has not
// already been installed, and returns a Scanner ready to connect or
// scan.
func NewScanner(init GoBleInitFunc) (*Scanner, error) {
	defaultDeviceOnce.Do(func() {
		device, err := init()
		if err != nil {
			defaultDeviceErr = errors.Wrap(err, "failed to create BLE device")
			return
		}
		ble.SetDefaultDevice(device)
	})
	if defaultDeviceErr != nil {
		return nil, defaultDeviceErr
	}
	return &Scanner{}, nil
}

// NewDefaultScanner wires up the host's native go-ble HCI device (the
// module's replace directive points github.com/go-ble/ble at
// rcaelers/go-ble's fork, which is what adds Linux bonded-pairing
// support the buttonless bonded characteristic needs).
func NewDefaultScanner() (*Scanner, error) {
	return NewScanner(func() (ble.Device, error) {
		return linux.NewDevice()
	})
}

// Scan runs for duration, invoking handler once per advertisement seen.
// A context deadline exceeded error (scan ran to completion) is not
// treated as a failure.
func (s *Scanner) Scan(duration time.Duration, handler AdvertisementHandler) error {
	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), duration))

	err := ble.Scan(ctx, false, func(a ble.Advertisement) {
		services := make([]string, 0, len(a.Services()))
		for _, svcUUID := range a.Services() {
			services = append(services, svcUUID.String())
		}
		handler(Advertisement{Name: a.LocalName(), Addr: a.Addr().String(), Services: services})
	}, nil)

	switch errors.Cause(err) {
	case nil, context.DeadlineExceeded, context.Canceled:
		return nil
	default:
		return errors.Wrap(err, "failed to start BLE scan")
	}
}

// ConnectName connects to the first advertising peripheral whose local
// name matches name (case-insensitively) within timeout.
func (s *Scanner) ConnectName(name string, timeout time.Duration) (*Peripheral, error) {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), timeout))

	client, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		return strings.EqualFold(a.LocalName(), name)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to device")
	}
	return newPeripheral(client, client.Addr().String(), timeout)
}

// ConnectAddress connects directly to a known BLE address.
func (s *Scanner) ConnectAddress(address string, timeout time.Duration) (*Peripheral, error) {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), timeout))

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to device")
	}
	return newPeripheral(client, address, timeout)
}

// Peripheral adapts a connected go-ble client to dfu.Device.
type Peripheral struct {
	address string
	timeout time.Duration

	mu                 sync.Mutex
	client             ble.Client
	profile            *ble.Profile
	disconnectHandlers []func()
	disconnectWatching bool
}

func newPeripheral(client ble.Client, address string, timeout time.Duration) (*Peripheral, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover device profile")
	}
	p := &Peripheral{address: address, timeout: timeout, client: client, profile: profile}
	p.watchDisconnect()
	return p, nil
}

func (p *Peripheral) watchDisconnect() {
	p.mu.Lock()
	if p.disconnectWatching {
		p.mu.Unlock()
		return
	}
	p.disconnectWatching = true
	client := p.client
	p.mu.Unlock()

	go func() {
		<-client.Disconnected()
		p.mu.Lock()
		handlers := append([]func(){}, p.disconnectHandlers...)
		p.disconnectHandlers = nil
		p.client = nil
		p.profile = nil
		p.disconnectWatching = false
		p.mu.Unlock()
		for _, h := range handlers {
			h()
		}
	}()
}

// IsConnected reports whether the underlying go-ble client is still
// live.
func (p *Peripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil
}

// Connect re-dials the peripheral's address. It is a no-op if already
// connected.
func (p *Peripheral) Connect() error {
	if p.IsConnected() {
		return nil
	}
	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), p.timeout))
	client, err := ble.Dial(ctx, ble.NewAddr(p.address))
	if err != nil {
		return errors.Wrap(err, "failed to reconnect to device")
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return errors.Wrap(err, "failed to discover device profile")
	}
	p.mu.Lock()
	p.client = client
	p.profile = profile
	p.mu.Unlock()
	p.watchDisconnect()
	return nil
}

// Disconnect closes the link. The registered OnDisconnect handlers fire
// from the background watcher goroutine once go-ble confirms the
// teardown, not from this call directly.
func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.CancelConnection()
}

// OnDisconnect registers handler to be invoked when the link drops.
// Multiple handlers may be registered; all fire, in registration order.
func (p *Peripheral) OnDisconnect(handler func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectHandlers = append(p.disconnectHandlers, handler)
}

// GetService resolves a GATT service by UUID from the cached profile.
func (p *Peripheral) GetService(uuid string) (dfu.Service, error) {
	p.mu.Lock()
	client, profile := p.client, p.profile
	p.mu.Unlock()
	if profile == nil {
		return nil, errors.New("not connected")
	}

	parsed, err := ble.Parse(uuid)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid service UUID %q", uuid)
	}
	svc := profile.FindService(ble.NewService(parsed))
	if svc == nil {
		return nil, errors.Errorf("service %q not found", uuid)
	}
	return &Service{client: client, service: svc}, nil
}

// Service adapts a go-ble service to dfu.Service.
type Service struct {
	client  ble.Client
	service *ble.Service
}

// GetCharacteristics returns every characteristic discovered under this
// service.
func (s *Service) GetCharacteristics() ([]dfu.Characteristic, error) {
	out := make([]dfu.Characteristic, 0, len(s.service.Characteristics))
	for _, c := range s.service.Characteristics {
		out = append(out, &Characteristic{client: s.client, characteristic: c})
	}
	return out, nil
}

// Characteristic adapts a go-ble characteristic to dfu.Characteristic.
type Characteristic struct {
	client         ble.Client
	characteristic *ble.Characteristic

	mu      sync.Mutex
	handler func(data []byte)
}

// UUID returns the characteristic's UUID in go-ble's canonical string
// form.
func (c *Characteristic) UUID() string {
	return c.characteristic.UUID.String()
}

// WriteValue writes data to the characteristic. The packet
// characteristic (spec.md §3) is written without response, as the
// teacher's driver did, since waiting for a GATT-layer ack on every
// 20-byte chunk would throttle the bulk transfer; control and
// buttonless writes go with response so the write serializer (C4) can
// rely on the peripheral's ack to pace retries. go-ble reports a busy
// peripheral and an over-MTU payload as plain errors; their text is
// matched by the write serializer, so no translation happens here.
func (c *Characteristic) WriteValue(data []byte) error {
	noRsp := c.UUID() == dfu.PacketCharacteristicUUID
	if err := c.client.WriteCharacteristic(c.characteristic, data, noRsp); err != nil {
		return errors.Wrap(err, "failed to write BLE characteristic")
	}
	return nil
}

// StartNotifications subscribes to value-changed notifications and
// routes them to whatever handler OnValueChanged last installed.
func (c *Characteristic) StartNotifications() error {
	if err := c.client.Subscribe(c.characteristic, false, c.dispatch); err != nil {
		return errors.Wrap(err, "failed to subscribe to BLE characteristic")
	}
	return nil
}

// OnValueChanged installs the single notification handler for this
// characteristic.
func (c *Characteristic) OnValueChanged(handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Characteristic) dispatch(data []byte) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}
