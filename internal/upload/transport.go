package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// FormField is the multipart part name the extraction service reads the file from
const FormField = "file"

// DefaultTimeout bounds a whole upload including the server's processing time
const DefaultTimeout = 5 * time.Minute

// DefaultMaxResponseSize caps how much of a response body is read
const DefaultMaxResponseSize = int64(32 << 20) // 32MB

// HTTPTransport posts files to an extraction endpoint
type HTTPTransport struct {
	client          *http.Client
	timeout         time.Duration
	maxResponseSize int64
	logger          *slog.Logger
}

// Option configures an HTTPTransport
type Option func(*HTTPTransport)

// WithTimeout sets the timeout of the default HTTP client
func WithTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		t.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. WithTimeout is ignored when set.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithMaxResponseSize sets how many response bytes are accepted
func WithMaxResponseSize(n int64) Option {
	return func(t *HTTPTransport) {
		t.maxResponseSize = n
	}
}

// WithLogger sets the logger, slog.Default() otherwise
func WithLogger(l *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = l
	}
}

// NewHTTPTransport creates a new HTTPTransport
func NewHTTPTransport(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		timeout:         DefaultTimeout,
		maxResponseSize: DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: t.timeout}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Upload sends file to endpointURL as a multipart form and returns the JSON
// response body unchanged. onProgress may be nil; it is only called when the
// file size is known, and never after Upload returns. A single attempt is made.
//
// Errors are *NetworkError, *HTTPError or *ParseError.
func (t *HTTPTransport) Upload(ctx context.Context, file File, endpointURL string, onProgress ProgressFunc) (json.RawMessage, error) {
	reqID := uuid.New().String()
	start := time.Now()
	logger := t.logger.With("req_id", reqID, "filename", file.Name())

	content, err := file.Open()
	if err != nil {
		logger.Error("Failed to open file for upload", "error", err)
		return nil, &NetworkError{Err: err}
	}

	head, tail, contentType, err := multipartFrame(file.Name())
	if err != nil {
		content.Close()
		return nil, &NetworkError{Err: err}
	}

	size := file.Size()
	total := int64(-1)
	if size >= 0 {
		total = int64(len(head)) + size + int64(len(tail))
	}

	logProgress := rate.Sometimes{Interval: time.Second}
	report := func(percent int) {
		logProgress.Do(func() {
			logger.Debug("Upload progress", "percent", percent)
		})
		if onProgress != nil {
			onProgress(percent)
		}
	}
	if total < 0 {
		report = nil
	}

	body := newProgressReader(
		io.MultiReader(bytes.NewReader(head), content, bytes.NewReader(tail)),
		content,
		total,
		report,
	)
	defer body.Close()
	defer body.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, body)
	if err != nil {
		logger.Error("Failed to build upload request", "error", err)
		return nil, &NetworkError{Err: err}
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	logger.Info("Uploading file", "url", endpointURL, "size", size)

	resp, err := t.client.Do(req)
	if err != nil {
		logger.Error("Upload failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseSize+1))
	if err != nil {
		logger.Error("Failed to read response", "status", resp.StatusCode, "error", err)
		return nil, &NetworkError{Err: err}
	}
	body.stop()

	tooLarge := int64(len(raw)) > t.maxResponseSize
	if tooLarge {
		raw = raw[:t.maxResponseSize]
	}

	logger.Info("Upload finished",
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			StatusText: statusText(resp),
			Body:       string(raw),
		}
	}

	if tooLarge {
		logger.Error("Response too large", "limit", t.maxResponseSize)
		return nil, &ParseError{Err: fmt.Errorf("response exceeds %d bytes", t.maxResponseSize)}
	}

	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.Error("Response is not valid JSON", "error", err)
		return nil, &ParseError{Err: err}
	}

	return payload, nil
}

// multipartFrame renders the bytes surrounding the file content of a single
// part form. Knowing them up front lets the request carry a Content-Length.
func multipartFrame(filename string) (head, tail []byte, contentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", ContentTypeFor(filename))
	if _, err := mw.CreatePart(h); err != nil {
		return nil, nil, "", fmt.Errorf("creating form part: %w", err)
	}
	head = append([]byte(nil), buf.Bytes()...)
	buf.Reset()

	if err := mw.Close(); err != nil {
		return nil, nil, "", fmt.Errorf("closing form: %w", err)
	}
	tail = append([]byte(nil), buf.Bytes()...)

	return head, tail, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// statusText returns the reason phrase sent by the server, falling back to
// the standard text for the code.
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
