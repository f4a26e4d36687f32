package upload

import (
	"io"
	"sync"
)

// ProgressFunc receives the percentage of the request body sent so far
type ProgressFunc func(percent int)

// progressReader counts bytes as the HTTP client consumes the body and reports
// each change of whole percent. After stop returns no further reports are made.
type progressReader struct {
	r          io.Reader
	closer     io.Closer
	total      int64
	onProgress ProgressFunc

	mu      sync.Mutex
	sent    int64
	last    int
	stopped bool
	once    sync.Once
}

func newProgressReader(r io.Reader, closer io.Closer, total int64, onProgress ProgressFunc) *progressReader {
	return &progressReader{
		r:          r,
		closer:     closer,
		total:      total,
		onProgress: onProgress,
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.advance(int64(n))
	}
	return n, err
}

// Close closes the underlying file once, however many times it is called
func (p *progressReader) Close() error {
	var err error
	p.once.Do(func() {
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}

func (p *progressReader) advance(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sent += n
	if p.stopped || p.onProgress == nil || p.total <= 0 {
		return
	}

	percent := int(p.sent * 100 / p.total)
	if percent > 100 {
		percent = 100
	}
	if percent == p.last {
		return
	}
	p.last = percent
	p.onProgress(percent)
}

func (p *progressReader) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
