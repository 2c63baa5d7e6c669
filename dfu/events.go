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

import (
	"fmt"
	"sync"
)

// LogEvent is the payload of a "log" event.
type LogEvent struct {
	Message string
}

// ProgressEvent is the payload of a "progress" event.
type ProgressEvent struct {
	Object         string
	TotalBytes     int64
	SentBytes      int64
	ValidatedBytes int64
}

// EventSink is a one-way, synchronous notification bus. Listeners for a
// given event name are invoked in registration order; a panicking
// listener is recovered and only surfaced via a log event, never
// allowed to abort the caller's dispatch.
type EventSink struct {
	mu        sync.Mutex
	listeners map[string][]func(interface{})
}

// NewEventSink returns an EventSink with no listeners registered.
func NewEventSink() *EventSink {
	return &EventSink{listeners: make(map[string][]func(interface{}))}
}

// On registers a listener for the named event. It returns a function
// that removes that specific listener.
func (s *EventSink) On(name string, fn func(interface{})) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners[name] = append(s.listeners[name], fn)
	idx := len(s.listeners[name]) - 1

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[name][idx] = nil
	}
}

// Dispatch invokes every listener registered for name, synchronously and
// in registration order. A listener that panics is recovered and its
// panic value reported back through a "log" event instead of being
// allowed to unwind into the caller.
func (s *EventSink) Dispatch(name string, payload interface{}) {
	s.mu.Lock()
	list := append([]func(interface{}){}, s.listeners[name]...)
	s.mu.Unlock()

	for _, fn := range list {
		if fn != nil {
			s.safeInvoke(fn, payload)
		}
	}
}

func (s *EventSink) safeInvoke(fn func(interface{}), payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("listener panicked: %v", r)
			s.mu.Lock()
			logListeners := append([]func(interface{}){}, s.listeners["log"]...)
			s.mu.Unlock()
			for _, l := range logListeners {
				if l == nil {
					continue
				}
				func() {
					defer func() { recover() }()
					l(LogEvent{Message: msg})
				}()
			}
		}
	}()
	fn(payload)
}

// Log emits a "log" event with the given formatted message.
func (s *EventSink) Log(format string, args ...interface{}) {
	s.Dispatch("log", LogEvent{Message: fmt.Sprintf(format, args...)})
}

// Progress emits a "progress" event. TotalBytes is clamped to at least 1
// so percentage calculations downstream never divide by zero.
func (s *EventSink) Progress(object string, total, sent, validated int64) {
	if total < 1 {
		total = 1
	}
	s.Dispatch("progress", ProgressEvent{
		Object:         object,
		TotalBytes:     total,
		SentBytes:      sent,
		ValidatedBytes: validated,
	})
}
