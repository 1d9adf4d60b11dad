package httpapi

import (
	"net/http"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/preview"
	"github.com/jkaninda/warp/internal/workspace"
)

func (g *Gateway) previewRoutes() {
	if g.previews == nil {
		return
	}
	g.group.Get("/previews", g.handlePreviewList,
		okapi.DocSummary("List the caller's preview bindings"),
		okapi.DocTags("Previews"),
		okapi.DocResponse([]PreviewInfo{}),
	)
	g.group.Get("/previews/stats", g.handlePreviewStats,
		okapi.DocSummary("Preview proxy statistics"),
		okapi.DocTags("Previews"),
		okapi.DocResponse(preview.Stats{}),
	)
	g.group.Delete("/previews/{id}", g.handlePreviewRemove,
		okapi.DocSummary("Remove a preview binding"),
		okapi.DocTags("Previews"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/previews/{id}/health", g.handlePreviewHealth,
		okapi.DocSummary("Health-check a preview target"),
		okapi.DocTags("Previews"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(preview.Health{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// PreviewInfo is a binding with its public URL.
type PreviewInfo struct {
	preview.Binding
	PreviewURL string `json:"previewUrl"`
}

// ownedSessionIDs returns the ids of the caller's live sessions without
// refreshing their activity.
func (g *Gateway) ownedSessionIDs(c *okapi.Context) map[string]bool {
	user := workspace.SanitizeUserID(c.GetString("userID"))
	ids := make(map[string]bool)
	for _, s := range g.sessions.List() {
		if s.UserID == user {
			ids[s.ID] = true
		}
	}
	return ids
}

func (g *Gateway) handlePreviewList(c *okapi.Context) error {
	owned := g.ownedSessionIDs(c)
	out := []PreviewInfo{}
	for _, b := range g.previews.List() {
		if owned[b.SessionID] {
			out = append(out, PreviewInfo{Binding: b, PreviewURL: g.previews.URLFor(b.SessionID)})
		}
	}
	return c.OK(out)
}

func (g *Gateway) handlePreviewStats(c *okapi.Context) error {
	return c.OK(g.previews.Stats())
}

// ownedPreview rejects ids outside the caller's sessions with a not-found.
func (g *Gateway) ownedPreview(c *okapi.Context) (string, error) {
	id := c.Param("id")
	if !g.ownedSessionIDs(c)[id] {
		return "", apperr.New(apperr.KindSessionNotFound, "Session not found")
	}
	return id, nil
}

func (g *Gateway) handlePreviewRemove(c *okapi.Context) error {
	id, err := g.ownedPreview(c)
	if err != nil {
		return g.fail(c, err)
	}
	if !g.previews.Remove(id) {
		return g.fail(c, preview.ErrNotFound)
	}
	return c.OK(okapi.M{"success": true, "sessionId": id})
}

func (g *Gateway) handlePreviewHealth(c *okapi.Context) error {
	id, err := g.ownedPreview(c)
	if err != nil {
		return g.fail(c, err)
	}
	h, err := g.previews.HealthCheck(c.Context(), id)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(h)
}
