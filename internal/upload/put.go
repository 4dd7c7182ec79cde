package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"content-publisher/internal/policy"
	"content-publisher/internal/telemetry"
)

// chunkResponse is the session's answer to one chunk.
type chunkResponse struct {
	done bool
	// persisted is the last byte offset the session reports as stored, or -1
	// when the response carried no Range header.
	persisted int64
	body      []byte
}

// putChunk sends data as bytes [start, start+len(data)-1] of total, retrying
// transient failures in place with the same bytes.
func (t *Transferrer) putChunk(ctx context.Context, s Session, strategy Strategy, ctype string, data []byte, start, total int64) (chunkResponse, error) {
	end := start + int64(len(data)) - 1
	contentRange := fmt.Sprintf("bytes %d-%d/%d", start, end, total)

	var out chunkResponse
	err := t.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URL, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.ContentLength = int64(len(data))
		req.Header.Set("Authorization", "Bearer "+s.Token)
		req.Header.Set("Content-Type", ctype)
		req.Header.Set("Content-Range", contentRange)

		started := time.Now()
		resp, err := t.http.Do(req)
		telemetry.ChunkLatency.WithLabelValues(string(strategy)).Observe(time.Since(started).Seconds())
		if err != nil {
			return retry.RetryableError(&policy.PlatformError{Op: "put chunk", Range: contentRange, Cause: err})
		}
		out, err = readChunkResponse(resp, contentRange)
		return err
	})
	if err != nil {
		return chunkResponse{}, err
	}
	if !out.done && out.persisted >= 0 && out.persisted != end {
		return chunkResponse{}, &policy.ProtocolError{
			Reason:   "session persisted a different range than sent for " + contentRange,
			Expected: end,
			Actual:   out.persisted,
		}
	}
	return out, nil
}

func readChunkResponse(resp *http.Response, contentRange string) (chunkResponse, error) {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return chunkResponse{done: true, persisted: -1, body: body}, nil
	case http.StatusPermanentRedirect:
		return chunkResponse{persisted: persistedOffset(resp.Header.Get("Range"))}, nil
	}
	perr := &policy.PlatformError{Op: "put chunk", Status: resp.StatusCode, Range: contentRange, Body: strings.TrimSpace(string(body))}
	if policy.IsRetryableStatus(resp.StatusCode) {
		return chunkResponse{}, retry.RetryableError(perr)
	}
	return chunkResponse{}, perr
}

// persistedOffset parses the "bytes=0-N" header of a 308 response.
func persistedOffset(h string) int64 {
	_, last, ok := strings.Cut(strings.TrimPrefix(h, "bytes="), "-")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// expectFinal checks the response to the chunk ending at end.
func expectFinal(resp chunkResponse, end, total int64) error {
	last := end == total-1
	switch {
	case resp.done && !last:
		return &policy.ProtocolError{Reason: "session finalized before the last byte", Expected: total - 1, Actual: end}
	case !resp.done && last:
		return &policy.ProtocolError{Reason: "session not finalized after the last byte", Expected: total, Actual: end + 1}
	}
	return nil
}
