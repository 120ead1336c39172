package visualization

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/banshee-data/worldmodel/internal/httputil"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"tailscale.com/tsweb"
)

// ModelSource supplies the objects to draw. *worldmodel.Tracker
// implements it.
type ModelSource interface {
	GetObjectModel() []worldmodel.Object
}

// AttachAdminRoutes mounts the model plot and chart under /debug/. Pass
// ?discarded=true to include discarded objects.
func AttachAdminRoutes(mux *http.ServeMux, src ModelSource) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("worldmodel-plot", "Object model plot (PNG)", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		err := RenderPNG(&buf, src.GetObjectModel(), PlotOptions{IncludeDiscarded: includeDiscarded(r)})
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = buf.WriteTo(w)
	})

	debug.HandleFunc("worldmodel-chart", "Object model chart", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		err := RenderHTML(&buf, src.GetObjectModel(), ChartOptions{IncludeDiscarded: includeDiscarded(r)})
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
	})
}

func includeDiscarded(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("discarded"))
	return v
}
