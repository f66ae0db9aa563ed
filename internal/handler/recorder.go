package handler

import (
	"net/http"
)

// statusRecorder captures what was sent to the client for the access log
// and the status-class counters.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
	upstream    string
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.ResponseWriter.WriteHeader(code)
	// Informational responses other than 101 are followed by the real one.
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach Flush and Hijack on the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// setStatus records a status that was never written, like 499 for a
// client that went away.
func (r *statusRecorder) setStatus(code int) {
	if !r.wroteHeader {
		r.status = code
	}
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
