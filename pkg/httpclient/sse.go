package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// sseDone is the sentinel most streaming APIs send as the last data line.
const sseDone = "[DONE]"

// ReadSSE consumes a text/event-stream body line by line, invoking fn for
// every data payload. It returns nil on the [DONE] sentinel or EOF, the
// context error on cancellation, and fn's error if fn rejects a payload.
func ReadSSE(ctx context.Context, body io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == sseDone {
			return nil
		}
		if err := fn([]byte(data)); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

// FormatSSE frames one server-sent event with an optional event name.
func FormatSSE(event string, data []byte) []byte {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return buf.Bytes()
}
