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
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	writeMaxAttempts = 15
	writeRetryDelay  = 150 * time.Millisecond
)

// writeSerializer enforces single-writer discipline over the transport:
// submissions are processed strictly one at a time, with bounded retry
// on a transport-reported busyness condition (spec.md §4.4).
type writeSerializer struct {
	mu sync.Mutex
}

func newWriteSerializer() *writeSerializer {
	return &writeSerializer{}
}

// submit performs one logical write, making at most writeMaxAttempts
// attempts while the transport reports busyness. Any other error is
// propagated immediately without retry.
func (w *writeSerializer) submit(char Characteristic, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		lastErr = char.WriteValue(data)
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) {
			return lastErr
		}
		time.Sleep(writeRetryDelay)
	}

	return errors.Wrap(&TransportBusyError{Attempts: writeMaxAttempts}, lastErr.Error())
}

// reset is run by the Smart Speed Controller before it retries a
// window. The serializer holds no outstanding work of its own
// (submissions block synchronously inside submit), so reset only waits
// for a submission already in progress to finish.
func (w *writeSerializer) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
}

func isBusy(err error) bool {
	return strings.Contains(err.Error(), "in progress")
}
