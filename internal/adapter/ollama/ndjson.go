package ollama

import (
	"bufio"
	"context"
	"io"

	"github.com/MqtUA/ollamaverse/internal/domain"
)

// parseNDJSONStream reads newline-delimited JSON objects from body and
// converts each into a StreamDelta using parseLine. The returned channel is
// closed when the stream ends, the body is closed, or ctx is cancelled.
// An I/O error mid-stream is surfaced as a final delta with Err set so the
// consumer can distinguish failure from normal termination.
func parseNDJSONStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBody)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			delta, err := parseLine(line)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if delta == nil {
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}

			if delta.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.StreamDelta{Err: classifyTransportError(err), Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
