package stream

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// maxFrameBytes bounds a single SSE line.
const maxFrameBytes = 1 << 20

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
	// Retry is the server's reconnect hint in milliseconds, or 0.
	Retry int
}

// Decoder reads SSE frames from a stream. Multi-line data is joined with
// "\n"; comment lines are ignored. A partial frame at EOF is discarded.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &Decoder{sc: sc}
}

// Next returns the next frame, or io.EOF when the stream ends.
func (d *Decoder) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		hasData bool
	)
	for d.sc.Scan() {
		line := strings.TrimSuffix(d.sc.Text(), "\r")
		if line == "" {
			if !hasData {
				// Nothing to dispatch. The id still counts as seen.
				f.Event = ""
				continue
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				f.ID = value
			}
		case "retry":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				f.Retry = n
			}
		}
	}
	if err := d.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// WriteFrame encodes f in SSE wire format. Newlines in Data become
// separate data lines.
func WriteFrame(w io.Writer, f Frame) error {
	var buf bytes.Buffer
	if f.ID != "" {
		buf.WriteString("id: " + f.ID + "\n")
	}
	if f.Event != "" {
		buf.WriteString("event: " + f.Event + "\n")
	}
	if f.Retry > 0 {
		buf.WriteString("retry: " + strconv.Itoa(f.Retry) + "\n")
	}
	for _, line := range strings.Split(f.Data, "\n") {
		buf.WriteString("data: " + line + "\n")
	}
	buf.WriteString("\n")
	_, err := w.Write(buf.Bytes())
	return err
}
