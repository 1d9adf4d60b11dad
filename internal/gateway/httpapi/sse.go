package httpapi

import (
	"net/http"
	"sync"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/warp/internal/router"
)

// SSE event names of the execute stream.
const (
	eventOutput         = "output"
	eventServerDetected = "server_detected"
	eventResult         = "result"
)

// OutputEvent carries a chunk of command output.
type OutputEvent struct {
	Content string `json:"content"`
}

// sseWriter forwards output chunks as SSE events. Writes may come from the
// stdout and stderr pumps at once, so every event is serialized.
type sseWriter struct {
	mu *sync.Mutex
	c  *okapi.Context
}

func (w sseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SSEvent(eventOutput, OutputEvent{Content: string(p)})
	return len(p), nil
}

// handleExecuteStream handles POST /v1/sessions/{id}/execute/stream. Output
// is streamed as it is produced, followed by one result event.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}
	s, err := g.ownedSession(c)
	if err != nil {
		return g.fail(c, err)
	}
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "Bad Request", Message: "invalid request body"})
	}

	var mu sync.Mutex
	rreq := req.toRouter()
	rreq.OnServerDetected = func(ev router.ServerEvent) {
		mu.Lock()
		defer mu.Unlock()
		c.SSEvent(eventServerDetected, ev)
	}

	res := g.router.Dispatch(c.Context(), s, rreq, sseWriter{mu: &mu, c: c})

	mu.Lock()
	defer mu.Unlock()
	c.SSEvent(eventResult, res)
	return nil
}
