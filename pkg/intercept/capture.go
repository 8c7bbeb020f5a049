package intercept

import (
	"bytes"
	"net/http"
)

// Capture is an http.ResponseWriter that buffers a handler's response so it
// can be inspected before anything reaches the client. Nothing is sent until
// Commit.
type Capture struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
	beforeSend  func(*Capture)
}

// NewCapture returns a Capture. beforeSend, if non-nil, runs once inside
// Commit before the response is emitted.
func NewCapture(beforeSend func(*Capture)) *Capture {
	return &Capture{
		header:     make(http.Header),
		status:     http.StatusOK,
		beforeSend: beforeSend,
	}
}

func (c *Capture) Header() http.Header { return c.header }

func (c *Capture) WriteHeader(code int) {
	if c.wroteHeader {
		return
	}
	c.status = code
	c.wroteHeader = true
}

func (c *Capture) Write(b []byte) (int, error) {
	c.wroteHeader = true
	return c.body.Write(b)
}

// Status returns the captured status code.
func (c *Capture) Status() int { return c.status }

// Body returns the captured body. The slice aliases the buffer.
func (c *Capture) Body() []byte { return c.body.Bytes() }

// Commit runs the before-send hook and then writes the captured headers,
// status, and body to w. extra headers fill in keys the handler left unset.
func (c *Capture) Commit(w http.ResponseWriter, extra http.Header) error {
	if c.beforeSend != nil {
		c.beforeSend(c)
		c.beforeSend = nil
	}
	return c.snapshot().writeTo(w, extra)
}

func (c *Capture) snapshot() response {
	return response{
		status: c.status,
		header: c.header.Clone(),
		body:   bytes.Clone(c.body.Bytes()),
	}
}

// response is an immutable copy of a captured response, safe to share
// between requests.
type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) writeTo(w http.ResponseWriter, extra http.Header) error {
	dst := w.Header()
	for k, v := range r.header {
		dst[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		if _, ok := r.header[k]; ok {
			continue
		}
		dst[k] = append([]string(nil), v...)
	}
	w.WriteHeader(r.status)
	_, err := w.Write(r.body)
	return err
}
