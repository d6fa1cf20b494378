package rest

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// Progress is called with the number of bytes sent so far.
type Progress func(sent int64)

// Upload posts a multipart form with one file part named field and the
// given extra fields. The body is streamed; progress may be nil.
func (c *Client) Upload(ctx context.Context, path, field, filename string, r io.Reader, extra map[string]string, progress Progress) Result {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, field, filename, &countingReader{r: r, fn: progress}, extra)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), pr)
	if err != nil {
		pr.CloseWithError(err)
		return Result{Error: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req)
}

func writeMultipart(mw *multipart.Writer, field, filename string, r io.Reader, extra map[string]string) error {
	for k, v := range extra {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy %s: %w", filename, err)
	}
	return nil
}

type countingReader struct {
	r  io.Reader
	n  int64
	fn Progress
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.fn != nil {
			c.fn(c.n)
		}
	}
	return n, err
}
