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

package cmd

import (
	"fmt"

	"github.com/godfu/nrf-securedfu/dfu"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/cheggaaa/pb.v2"
)

// newLoggingSink returns an EventSink that routes "log" events through
// jww at info level, for commands that don't render a progress bar.
func newLoggingSink() *dfu.EventSink {
	sink := dfu.NewEventSink()
	sink.On("log", func(payload interface{}) {
		if ev, ok := payload.(dfu.LogEvent); ok {
			jww.INFO.Println(ev.Message)
		}
	})
	return sink
}

// newProgressSink returns an EventSink that also drives a cheggaaa
// progress bar from "progress" events, one bar per distinct object kind
// (init, then firmware). The caller must call finish once the transfer
// completes so the last bar is closed out cleanly.
func newProgressSink() (sink *dfu.EventSink, finish func()) {
	sink = newLoggingSink()

	var bar *pb.ProgressBar
	var current string

	sink.On("progress", func(payload interface{}) {
		ev, ok := payload.(dfu.ProgressEvent)
		if !ok {
			return
		}
		if bar == nil || ev.Object != current {
			if bar != nil {
				bar.Finish()
			}
			current = ev.Object
			bar = pb.ProgressBarTemplate(fmt.Sprintf(`{{ white "%s:" }} {{bar . | green}} {{percent .}}`, ev.Object)).Start64(ev.TotalBytes)
		}
		if bar.Total() != ev.TotalBytes {
			bar.SetTotal(ev.TotalBytes)
		}
		bar.SetCurrent(ev.SentBytes)
	})

	return sink, func() {
		if bar != nil {
			bar.Finish()
		}
	}
}
