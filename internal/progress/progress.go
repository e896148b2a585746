// Copyright 2024 The Armored Witness authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package progress renders digest progress on a terminal.
package progress

import (
	"io"

	"github.com/cheggaaa/pb/v3"
)

const template = `{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`

// Bar is a byte progress bar, started on its first update.
type Bar struct {
	bar *pb.ProgressBar
}

// New returns a progress bar labelled with prefix, written to w.
func New(w io.Writer, prefix string) *Bar {
	bar := pb.ProgressBarTemplate(template).New(0)
	bar.Set(pb.Bytes, true)
	bar.Set("prefix", prefix)
	bar.SetWriter(w)

	return &Bar{bar: bar}
}

// Update reports done out of total bytes, it matches the progress callbacks
// of the verifiers. A new total restarts the count, as when a second image
// is verified.
func (b *Bar) Update(done, total int64) {
	if b.bar.Total() != total {
		b.bar.SetTotal(total)
	}

	if !b.bar.IsStarted() {
		b.bar.Start()
	}

	b.bar.SetCurrent(done)
}

// Finish stops rendering, it is a no-op when no update was received.
func (b *Bar) Finish() {
	if b.bar.IsStarted() {
		b.bar.Finish()
	}
}
