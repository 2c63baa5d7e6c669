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

package dfu

// The three GATT identifiers fixed by the Secure DFU protocol, plus the
// two buttonless variants the teacher's later driver distinguishes.
const (
	ServiceUUID               = "fe59"
	ControlCharacteristicUUID = "8ec90001-f315-4f60-9fb8-838830daea50"
	PacketCharacteristicUUID  = "8ec90002-f315-4f60-9fb8-838830daea50"
	ButtonlessUUID            = "8ec90003-f315-4f60-9fb8-838830daea50"
	ButtonlessBondedUUID      = "8ec90004-f315-4f60-9fb8-838830daea50"
)

// Device is a connected (or connectable) peer exposing GATT services.
// It is the engine's view of the external Transport Adapter (C3,
// spec.md §4.3) — implementations wrap a concrete BLE stack.
type Device interface {
	IsConnected() bool
	Connect() error
	Disconnect() error
	GetService(uuid string) (Service, error)
	// OnDisconnect registers a handler invoked exactly once when the
	// link drops, whether initiated locally or by the peer.
	OnDisconnect(handler func())
}

// Service exposes the characteristics found under one GATT service.
type Service interface {
	GetCharacteristics() ([]Characteristic, error)
}

// Characteristic is a single GATT characteristic: its UUID, a write
// operation, and a notification subscription.
type Characteristic interface {
	UUID() string
	// WriteValue performs a single GATT write. Implementations report
	// transient busyness with an error whose message contains
	// "in progress" — the write serializer (C4) matches that substring
	// to decide whether to retry. Any other error, such as an oversized
	// payload reported as "longer than maximum length", is propagated
	// immediately without retry.
	WriteValue(data []byte) error
	StartNotifications() error
	// OnValueChanged registers the single notification handler. Only
	// one handler is ever installed per characteristic by the engine.
	OnValueChanged(handler func(data []byte))
}
