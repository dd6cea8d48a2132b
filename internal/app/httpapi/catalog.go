package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/simianmac/msuadmin/internal/app/domain/catalog"
	"github.com/simianmac/msuadmin/internal/config"
	"github.com/simianmac/msuadmin/internal/httputil"
)

// CatalogSource reads generated catalogs, building one on first request.
type CatalogSource interface {
	Get(ctx context.Context, track string) (catalog.Catalog, error)
	Generate(ctx context.Context, track string) (catalog.Catalog, error)
}

type catalogHandler struct {
	*AdminHandler
	catalogs CatalogSource
	settings *config.Settings
}

func newCatalogHandler(base *AdminHandler, catalogs CatalogSource, settings *config.Settings) *catalogHandler {
	return &catalogHandler{AdminHandler: base, catalogs: catalogs, settings: settings}
}

func (h *catalogHandler) load(w http.ResponseWriter, r *http.Request) (catalog.Catalog, bool) {
	track := mux.Vars(r)["track"]
	if !h.settings.IsTrack(track) {
		httputil.NotFound(w, fmt.Sprintf("Catalog not found: %s", track))
		return catalog.Catalog{}, false
	}
	c, err := h.catalogs.Get(r.Context(), track)
	if errors.Is(err, catalog.ErrNotFound) {
		c, err = h.catalogs.Generate(r.Context(), track)
	}
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).WithField("track", track).Error("catalog load failed")
		httputil.InternalError(w, "Internal Server Error")
		return catalog.Catalog{}, false
	}
	return c, true
}

// view renders a catalog with XML highlighting.
func (h *catalogHandler) view(w http.ResponseWriter, r *http.Request) {
	if !h.IsAdminUser(r) {
		httputil.NotFound(w, "")
		return
	}
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	h.Render(w, r, "plist.html", Values{
		"report_type":  "catalogs",
		"plist_type":   "catalog_plist",
		"xml":          XMLToHTML(string(c.Plist)),
		"title":        fmt.Sprintf("%s Catalog", c.Name),
		"raw_xml_link": "/catalogs/" + c.Name,
		"updated_at":   c.UpdatedAt,
	}, nil)
}

// raw serves the catalog document.
func (h *catalogHandler) raw(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	httputil.WriteXML(w, http.StatusOK, c.Plist)
}
