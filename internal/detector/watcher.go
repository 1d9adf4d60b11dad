package detector

import (
	"strings"
	"sync"
)

const (
	// tailBytes is how much recent output is kept for server classification.
	tailBytes = 8 << 10
	// carryBytes bounds the partial line kept between chunks so a phrase
	// split across two writes is still seen.
	carryBytes = 1 << 10
)

// Event is emitted once, on the first detection that resolves a port.
type Event struct {
	Port       int
	ServerType string
}

// Watcher is an io.Writer placed on a process' output stream. Every write
// is scanned synchronously; the first detection with a port invokes the
// callback exactly once. Writes never fail.
type Watcher struct {
	detector *Detector
	command  string
	onDetect func(Event)

	mu        sync.Mutex
	tail      []byte
	carry     string
	fired     bool
	portless  bool
	detection Detection
}

// NewWatcher returns a Watcher for the output of command. onDetect may be nil.
func NewWatcher(d *Detector, command string, onDetect func(Event)) *Watcher {
	if d == nil {
		d = New()
	}
	return &Watcher{detector: d, command: command, onDetect: onDetect}
}

// Write scans p and records it in the bounded tail.
func (w *Watcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.tail = append(w.tail, p...)
	if len(w.tail) > tailBytes {
		w.tail = w.tail[len(w.tail)-tailBytes:]
	}
	if w.fired {
		w.mu.Unlock()
		return len(p), nil
	}

	chunk := w.carry + string(p)
	if i := strings.LastIndexByte(chunk, '\n'); i >= 0 {
		w.carry = chunk[i+1:]
	} else {
		w.carry = chunk
	}
	if len(w.carry) > carryBytes {
		w.carry = w.carry[len(w.carry)-carryBytes:]
	}

	det := w.detector.Scan(chunk)
	var ev *Event
	if det.Detected {
		w.detection = det
		if det.Port > 0 {
			w.fired = true
			w.carry = ""
			ev = &Event{Port: det.Port, ServerType: ClassifyServerType(string(w.tail), w.command)}
		} else {
			w.portless = true
		}
	}
	w.mu.Unlock()

	if ev != nil && w.onDetect != nil {
		w.onDetect(*ev)
	}
	return len(p), nil
}

// Detection returns the most recent detection, if any.
func (w *Watcher) Detection() Detection {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.detection
}

// Fired reports whether a detection with a port has been emitted.
func (w *Watcher) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// DetectedWithoutPort reports a server phrase was seen but no port resolved.
// Callers fall back to the port they asked the server to use.
func (w *Watcher) DetectedWithoutPort() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.portless && !w.fired
}

// Output returns the retained tail of the stream.
func (w *Watcher) Output() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.tail)
}
