package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sethvargo/go-retry"

	"content-publisher/internal/models"
	"content-publisher/internal/policy"
)

// single streams the whole source into one PUT. A failed attempt re-fetches
// the source since the body was already consumed.
func (t *Transferrer) single(ctx context.Context, s Session, media models.MediaDescriptor) (Result, error) {
	total := media.ContentLength
	var res Result
	err := t.do(ctx, func(ctx context.Context) error {
		src, err := t.get(ctx, media.URL, "")
		if err != nil {
			return err
		}
		defer src.Close()

		body := &exactReader{r: src, want: total}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.URL, body)
		if err != nil {
			return err
		}
		req.ContentLength = total
		req.Header.Set("Authorization", "Bearer "+s.Token)
		req.Header.Set("Content-Type", contentType(media))

		resp, err := t.http.Do(req)
		if body.err != nil {
			if resp != nil {
				drain(resp.Body)
			}
			return body.err
		}
		if err != nil {
			return retry.RetryableError(&policy.PlatformError{Op: "put media", Cause: err})
		}
		if err := body.checkOverrun(); err != nil {
			drain(resp.Body)
			return err
		}
		out, err := readChunkResponse(resp, fmt.Sprintf("bytes 0-%d/%d", total-1, total))
		if err != nil {
			return err
		}
		if !out.done {
			return &policy.ProtocolError{Reason: "session not finalized after single-shot upload", Expected: total, Actual: out.persisted + 1}
		}
		res = Result{Body: out.body, Strategy: StrategySingle, Chunks: 1, Bytes: total}
		return nil
	})
	return res, err
}

// ranged fetches each chunk with its own range request. Only one chunk is
// held in memory at a time.
func (t *Transferrer) ranged(ctx context.Context, s Session, media models.MediaDescriptor) (Result, error) {
	total := media.ContentLength
	ctype := contentType(media)
	res := Result{Strategy: StrategyRange}

	for start := int64(0); start < total; start += t.chunk {
		end := min(start+t.chunk, total) - 1
		data, err := t.fetchRange(ctx, media.URL, start, end)
		if err != nil {
			return Result{}, err
		}
		resp, err := t.putChunk(ctx, s, StrategyRange, ctype, data, start, total)
		if err != nil {
			return Result{}, err
		}
		res.Chunks++
		res.Bytes += int64(len(data))
		if err := expectFinal(resp, end, total); err != nil {
			return Result{}, err
		}
		if resp.done {
			res.Body = resp.body
		}
	}
	return res, nil
}

func (t *Transferrer) fetchRange(ctx context.Context, src string, start, end int64) ([]byte, error) {
	want := end - start + 1
	var data []byte
	err := t.do(ctx, func(ctx context.Context) error {
		body, err := t.get(ctx, src, fmt.Sprintf("bytes=%d-%d", start, end))
		if err != nil {
			return err
		}
		defer body.Close()
		buf := make([]byte, want)
		n, err := io.ReadFull(body, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return &policy.ProtocolError{Reason: fmt.Sprintf("short range read at offset %d", start), Expected: want, Actual: int64(n)}
		}
		if err != nil {
			return retry.RetryableError(&policy.PlatformError{Op: "fetch range", Cause: err})
		}
		if extra, _ := io.ReadFull(body, make([]byte, 1)); extra > 0 {
			return &policy.ProtocolError{Reason: fmt.Sprintf("range read past offset %d", end), Expected: want, Actual: want + 1}
		}
		data = buf
		return nil
	})
	return data, err
}

// stream reads the source once and cuts it into chunks as bytes arrive.
func (t *Transferrer) stream(ctx context.Context, s Session, media models.MediaDescriptor) (Result, error) {
	total := media.ContentLength
	ctype := contentType(media)
	res := Result{Strategy: StrategyStream}

	var src io.ReadCloser
	err := t.do(ctx, func(ctx context.Context) error {
		var err error
		src, err = t.get(ctx, media.URL, "")
		return err
	})
	if err != nil {
		return Result{}, err
	}
	defer src.Close()

	acc := NewAccumulator(int(t.chunk))
	var offset, read int64
	send := func(chunk []byte) error {
		resp, err := t.putChunk(ctx, s, StrategyStream, ctype, chunk, offset, total)
		if err != nil {
			return err
		}
		end := offset + int64(len(chunk)) - 1
		if err := expectFinal(resp, end, total); err != nil {
			return err
		}
		offset = end + 1
		res.Chunks++
		res.Bytes += int64(len(chunk))
		if resp.done {
			res.Body = resp.body
		}
		return nil
	}

	for {
		buf := make([]byte, readSize)
		n, rerr := src.Read(buf)
		if n > 0 {
			read += int64(n)
			if read > total {
				return Result{}, &policy.ProtocolError{Reason: "source longer than declared length", Expected: total, Actual: read}
			}
			for _, chunk := range acc.Push(buf[:n]) {
				if err := send(chunk); err != nil {
					return Result{}, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{}, &policy.PlatformError{Op: "read source", Cause: rerr}
		}
	}
	if read < total {
		return Result{}, &policy.ProtocolError{Reason: "source shorter than declared length", Expected: total, Actual: read}
	}
	if rest := acc.Flush(); rest != nil {
		if err := send(rest); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// get opens the source, optionally with a Range header. A ranged request must
// be answered with 206.
func (t *Transferrer) get(ctx context.Context, src, byteRange string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, retry.RetryableError(&policy.PlatformError{Op: "fetch source", Cause: err})
	}
	wantStatus := http.StatusOK
	if byteRange != "" {
		wantStatus = http.StatusPartialContent
	}
	if resp.StatusCode != wantStatus {
		drain(resp.Body)
		if byteRange != "" && resp.StatusCode == http.StatusOK {
			return nil, &policy.ProtocolError{Reason: "source ignored range " + byteRange, Expected: http.StatusPartialContent, Actual: http.StatusOK}
		}
		return nil, sourceError("fetch source", resp.StatusCode)
	}
	return resp.Body, nil
}

// exactReader yields exactly want bytes of r, recording a protocol error if r
// ends early.
type exactReader struct {
	r    io.Reader
	want int64
	n    int64
	err  error
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.n >= e.want {
		return 0, io.EOF
	}
	if rem := e.want - e.n; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := e.r.Read(p)
	e.n += int64(n)
	if err == io.EOF && e.n < e.want {
		e.err = &policy.ProtocolError{Reason: "source shorter than declared length", Expected: e.want, Actual: e.n}
		return n, e.err
	}
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// checkOverrun reports a protocol error if the source has bytes past want.
func (e *exactReader) checkOverrun() error {
	var one [1]byte
	n, _ := io.ReadFull(e.r, one[:])
	if n > 0 {
		return &policy.ProtocolError{Reason: "source longer than declared length", Expected: e.want, Actual: e.want + 1}
	}
	return nil
}
