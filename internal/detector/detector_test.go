package detector

import (
	"fmt"
	"regexp"
	"sync"
	"testing"
)

func TestScan(t *testing.T) {
	d := New()
	tests := []struct {
		name  string
		chunk string
		want  Detection
	}{
		{"serving at url", "Serving at http://localhost:8080", Detection{true, 8080}},
		{"flutter", "A web server for Flutter web application is available at: http://0.0.0.0:5000", Detection{true, 5000}},
		{"vite local", "  ➜  Local:   http://localhost:5173/", Detection{true, 5173}},
		{"next ready", "ready - started server on 0.0.0.0:3000, url: http://localhost:3000", Detection{true, 3000}},
		{"generic listening", "Server listening on port 4000", Detection{true, 4000}},
		{"django", "Starting development server at http://127.0.0.1:8000/", Detection{true, 8000}},
		{"uvicorn", "INFO:     Uvicorn running on http://0.0.0.0:8001 (Press CTRL+C to quit)", Detection{true, 8001}},
		{"uvicorn banner with pid", "INFO:     Started server process [12345]\nINFO:     Waiting for application startup.\nINFO:     Uvicorn running on http://127.0.0.1:8000 (Press CTRL+C to quit)", Detection{true, 8000}},
		{"pid line alone", "INFO:     Started server process [12345]", Detection{}},
		{"case insensitive", "SERVER IS RUNNING ON PORT 9000", Detection{true, 9000}},
		{"phrase without port uses fallback", "webpack compiled successfully at host:3001", Detection{true, 3001}},
		{"phrase without any port", "webpack compiled successfully", Detection{true, 0}},
		{"fallback ignores out of range", "webpack compiled successfully in 0:0999 ms", Detection{true, 0}},
		{"no phrase", "npm WARN deprecated left-pad@1.0.0", Detection{}},
		{"plain port without phrase", "connecting to db:5432", Detection{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.Scan(tc.chunk); got != tc.want {
				t.Errorf("Scan(%q) = %+v, want %+v", tc.chunk, got, tc.want)
			}
		})
	}
}

func TestScanExtraPattern(t *testing.T) {
	d := New(regexp.MustCompile(`(?i)custom ready on ([0-9]{4,5})`))
	if got := d.Scan("custom ready on 7777"); got.Port != 7777 {
		t.Errorf("Scan = %+v", got)
	}
}

func TestClassifyServerType(t *testing.T) {
	tests := []struct {
		output, command, want string
	}{
		{"Compiled successfully!", "npm start react-scripts", "React"},
		{"ready - started server", "npx next dev", "Next.js"},
		{"", "flutter run -d web-server", "Flutter Web"},
		{"Starting development server", "python manage.py runserver", "Django"},
		{"Uvicorn running", "uvicorn main:app", "FastAPI"},
		{"listening", "node server.js", "Express.js"},
		{"listening", "./app", DefaultServerType},
	}
	for _, tc := range tests {
		if got := ClassifyServerType(tc.output, tc.command); got != tc.want {
			t.Errorf("ClassifyServerType(%q, %q) = %q, want %q", tc.output, tc.command, got, tc.want)
		}
	}
}

func TestExtractURL(t *testing.T) {
	if got := ExtractURL("lines\nServing at http://localhost:8080\n"); got != "http://localhost:8080" {
		t.Errorf("ExtractURL = %q", got)
	}
	if got := ExtractURL("nothing here"); got != "" {
		t.Errorf("ExtractURL = %q, want empty", got)
	}
}

func TestWatcherFiresOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	w := NewWatcher(New(), "npm run dev", func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	fmt.Fprint(w, "installing...\n")
	if w.Fired() {
		t.Fatal("fired before any server output")
	}
	fmt.Fprint(w, "Server listening on port 3000\n")
	fmt.Fprint(w, "Server listening on port 3001\n")

	if len(events) != 1 || events[0].Port != 3000 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].ServerType == "" {
		t.Error("server type not classified")
	}
}

func TestWatcherSplitChunk(t *testing.T) {
	var got Event
	w := NewWatcher(nil, "", func(ev Event) { got = ev })
	fmt.Fprint(w, "Serving at http://local")
	fmt.Fprint(w, "host:8080\n")
	if got.Port != 8080 {
		t.Errorf("port = %d, want 8080", got.Port)
	}
}

func TestWatcherPortless(t *testing.T) {
	w := NewWatcher(nil, "", nil)
	fmt.Fprint(w, "webpack compiled successfully\n")
	if !w.DetectedWithoutPort() || w.Fired() {
		t.Errorf("portless=%v fired=%v", w.DetectedWithoutPort(), w.Fired())
	}
}

func TestWatcherUvicornPIDLine(t *testing.T) {
	var got Event
	w := NewWatcher(nil, "uvicorn main:app", func(ev Event) { got = ev })
	fmt.Fprint(w, "INFO:     Started server process [12345]\n")
	if w.Fired() {
		t.Fatalf("fired on the process id line: %+v", w.Detection())
	}
	fmt.Fprint(w, "INFO:     Uvicorn running on http://127.0.0.1:8000 (Press CTRL+C to quit)\n")
	if got.Port != 8000 || got.ServerType != "FastAPI" {
		t.Errorf("event = %+v, want port 8000 FastAPI", got)
	}
}
