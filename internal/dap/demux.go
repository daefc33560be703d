// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"sort"
	"strings"

	"github.com/microsoft/replbridge/internal/repl"
)

// Line is one line of REPL output, without the line terminator.
type Line struct {
	Channel repl.Channel
	Text    string

	// Complete is false for a provisional line, i.e. a trailing fragment
	// that has not been terminated by a line feed yet.
	Complete bool
}

// Demultiplexer reassembles raw chunks into lines, independently for every channel.
// It is not goroutine-safe; it is only used from the session reactor.
type Demultiplexer struct {
	tails map[repl.Channel]string
}

func NewDemultiplexer() *Demultiplexer {
	return &Demultiplexer{
		tails: make(map[repl.Channel]string),
	}
}

// Feed adds a chunk of data received on a channel and returns the lines it completed, in order.
// The unterminated remainder is kept until more data arrives on the same channel.
func (d *Demultiplexer) Feed(ch repl.Channel, data []byte) []Line {
	text := strings.ReplaceAll(string(data), "\r", "")
	if text == "" {
		return nil
	}

	segments := strings.Split(d.tails[ch]+text, "\n")
	d.tails[ch] = segments[len(segments)-1]

	lines := make([]Line, 0, len(segments)-1)
	for _, s := range segments[:len(segments)-1] {
		lines = append(lines, Line{Channel: ch, Text: s, Complete: true})
	}
	return lines
}

// Tail returns the buffered fragment of a channel as a provisional line.
func (d *Demultiplexer) Tail(ch repl.Channel) (Line, bool) {
	tail := d.tails[ch]
	if tail == "" {
		return Line{}, false
	}
	return Line{Channel: ch, Text: tail, Complete: false}, true
}

// Consume drops the first n bytes of the channel's buffered fragment.
// Used once a provisional line has been acted upon (e.g. a prompt was recognized).
func (d *Demultiplexer) Consume(ch repl.Channel, n int) {
	tail := d.tails[ch]
	if n >= len(tail) {
		delete(d.tails, ch)
		return
	}
	d.tails[ch] = tail[n:]
}

// Flush returns the buffered fragment of a channel as a best-effort complete line.
func (d *Demultiplexer) Flush(ch repl.Channel) []Line {
	tail, found := d.tails[ch]
	delete(d.tails, ch)
	if !found || tail == "" {
		return nil
	}
	return []Line{{Channel: ch, Text: tail, Complete: true}}
}

// FlushAll flushes every channel, in channel name order.
func (d *Demultiplexer) FlushAll() []Line {
	channels := make([]string, 0, len(d.tails))
	for ch := range d.tails {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	var lines []Line
	for _, ch := range channels {
		lines = append(lines, d.Flush(repl.Channel(ch))...)
	}
	return lines
}
