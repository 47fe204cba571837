package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxEventSize = 1 << 20

// readSSE decodes "data:" lines from an event stream and passes each payload
// to decode. decode returns done=true to stop reading. The body is always
// closed and ch always closed on return.
func readSSE(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk, decode func(data string) (StreamChunk, bool, bool)) {
	defer close(ch)
	defer body.Close()

	send := func(c StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		chunk, emit, done := decode(strings.TrimSpace(data))
		if emit && !send(chunk) {
			return
		}
		if done {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	send(StreamChunk{Err: fmt.Errorf("read stream: %w", err)})
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
