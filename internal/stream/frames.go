package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"relaychat/internal/logging"
)

// FrameReader splits an SSE byte stream into decoded events. Frames are
// separated by a blank line; each frame may carry several "data:" lines,
// which are joined with newlines before decoding. Payloads that fail to
// decode are skipped and logged, never fatal to the stream.
type FrameReader struct {
	scanner   *bufio.Scanner
	dataLines []string
}

// NewFrameReader wraps r, typically a streaming response body.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &FrameReader{scanner: scanner}
}

// Next returns the next decoded event, or io.EOF once the stream ends.
// A trailing frame without a terminating blank line is still delivered.
func (f *FrameReader) Next() (Event, error) {
	for f.scanner.Scan() {
		line := f.scanner.Text()
		if line == "" {
			if event, ok := f.flush(); ok {
				return event, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			f.dataLines = append(f.dataLines, strings.TrimSpace(line[len("data:"):]))
		}
		// Other SSE fields (event:, id:, retry:, comments) are ignored.
	}
	if err := f.scanner.Err(); err != nil {
		return Event{}, err
	}
	if event, ok := f.flush(); ok {
		return event, nil
	}
	return Event{}, io.EOF
}

// flush decodes the accumulated data lines into an event, if any.
func (f *FrameReader) flush() (Event, bool) {
	if len(f.dataLines) == 0 {
		return Event{}, false
	}
	payload := strings.Join(f.dataLines, "\n")
	f.dataLines = f.dataLines[:0]
	if payload == "" {
		return Event{}, false
	}

	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		logging.StreamWarn("skipping unparseable SSE payload (%d bytes): %v", len(payload), err)
		return Event{}, false
	}
	if event.Type == "" {
		logging.StreamWarn("skipping SSE payload without type field")
		return Event{}, false
	}
	return event, true
}
