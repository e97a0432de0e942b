package chatsync

import (
	"io"
	"sync"

	"github.com/armon/circbuf"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// LogBuffer keeps the most recent jwalterweatherman output in memory, for
// embedders that want to show or upload diagnostics.
type LogBuffer struct {
	mu        sync.Mutex
	threshold jww.Threshold
	cb        *circbuf.Buffer
}

// LogToBuffer starts copying log lines at or above threshold into a ring
// buffer of maxSize bytes.
func LogToBuffer(threshold jww.Threshold, maxSize int) (*LogBuffer, error) {
	b, err := circbuf.NewBuffer(int64(maxSize))
	if err != nil {
		return nil, errors.Wrap(err, "could not create log buffer")
	}
	lb := &LogBuffer{threshold: threshold, cb: b}
	jww.SetLogListeners(lb.Listen)
	jww.DEBUG.Printf("[LOG] Buffering log of max size %d at level %s",
		maxSize, threshold)
	return lb, nil
}

// Listen adheres to jww.LogListener.
func (lb *LogBuffer) Listen(t jww.Threshold) io.Writer {
	if t < lb.threshold {
		return nil
	}
	return lb
}

// Write adheres to io.Writer.
func (lb *LogBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.cb.Write(p)
}

// Bytes returns the buffered log.
func (lb *LogBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]byte(nil), lb.cb.Bytes()...)
}

// Size returns the capacity of the buffer.
func (lb *LogBuffer) Size() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return int(lb.cb.Size())
}

// Stop detaches the buffer from the logger. The buffered contents remain.
func (lb *LogBuffer) Stop() {
	jww.SetLogListeners()
}

// SetLogLevel sets the stdout threshold from a name (trace, debug, info,
// warn, error). Unknown names select info.
func SetLogLevel(level string) jww.Threshold {
	th := jww.LevelInfo
	switch level {
	case "trace":
		th = jww.LevelTrace
	case "debug":
		th = jww.LevelDebug
	case "warn":
		th = jww.LevelWarn
	case "error":
		th = jww.LevelError
	}
	jww.SetStdoutThreshold(th)
	jww.SetLogThreshold(th)
	return th
}
