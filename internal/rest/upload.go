package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jyotilabs/chatd/internal/errs"
	"go.uber.org/zap"
)

// Attachment is the durable metadata returned by the backend for an
// uploaded file, suitable for inclusion in a subsequent message send.
type Attachment struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	MIME      string `json:"mimeType"`
	Size      int64  `json:"size"`
	Thumbnail string `json:"thumbnailUrl,omitempty"`
}

// UploadLimits holds the client-side validation rules for attachments.
// Rejected files never reach the network.
type UploadLimits struct {
	MaxFileSize       int64
	AllowedMIMETypes  []string
	AllowedExtensions []string
}

// ValidateFile applies the size and type allow-lists to a local file.
func (l UploadLimits) ValidateFile(path string) (int64, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, "", &errs.ValidationError{Field: "file", Message: fmt.Sprintf("cannot stat %s: %v", path, err)}
	}
	if info.IsDir() {
		return 0, "", &errs.ValidationError{Field: "file", Message: "is a directory"}
	}
	if l.MaxFileSize > 0 && info.Size() > l.MaxFileSize {
		return 0, "", &errs.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("size %d exceeds maximum %d bytes", info.Size(), l.MaxFileSize),
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if len(l.AllowedExtensions) > 0 && !slices.Contains(l.AllowedExtensions, ext) {
		return 0, "", &errs.ValidationError{Field: "file", Message: fmt.Sprintf("extension %q not allowed", ext)}
	}

	mimeType := mime.TypeByExtension(ext)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if len(l.AllowedMIMETypes) > 0 && !slices.Contains(l.AllowedMIMETypes, mimeType) {
		return 0, "", &errs.ValidationError{Field: "file", Message: fmt.Sprintf("type %q not allowed", mimeType)}
	}
	return info.Size(), mimeType, nil
}

// Upload transfers a single file to the backend, reporting fractional
// progress through progressFn (nil allowed). Cancellation through ctx
// yields CancelledError; any non-2xx response yields UploadError.
func (c *Client) Upload(ctx context.Context, path string, limits UploadLimits, progressFn func(float64)) (*Attachment, error) {
	size, mimeType, err := limits.ValidateFile(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.UploadError{Message: "open file", Err: err}
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		src := &progressReader{r: f, total: size, fn: progressFn}
		if _, err := io.Copy(part, src); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/attachments", pr)
	if err != nil {
		return nil, &errs.UploadError{Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, &errs.CancelledError{Op: "upload"}
		}
		return nil, &errs.UploadError{Message: "transfer", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.UploadError{Message: "read response", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &errs.AuthenticationError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		_ = json.Unmarshal(raw, &env)
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &errs.UploadError{Message: fmt.Sprintf("server rejected upload (%d): %s", resp.StatusCode, msg)}
	}

	var env envelope
	data := json.RawMessage(raw)
	if json.Unmarshal(raw, &env) == nil && len(env.Data) > 0 {
		data = env.Data
	}

	var att Attachment
	if err := json.Unmarshal(data, &att); err != nil {
		return nil, &errs.UploadError{Message: "decode attachment metadata", Err: err}
	}
	if att.MIME == "" {
		att.MIME = mimeType
	}
	if att.Size == 0 {
		att.Size = size
	}
	c.logger.Info("attachment uploaded", zap.String("name", att.Name), zap.Int64("size", att.Size))
	return &att, nil
}

// progressReader reports fractional progress as bytes flow through it.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.fn != nil && p.total > 0 {
		p.fn(min(1, float64(p.read)/float64(p.total)))
	}
	return n, err
}
