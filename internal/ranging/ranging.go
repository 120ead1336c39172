// Package ranging asks an external obstacle service how far the next
// obstacle is along a bearing.
package ranging

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/worldmodel/internal/httputil"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/golang/geo/r3"
)

// DefaultTimeout bounds one ranging request.
const DefaultTimeout = 2 * time.Second

// Request is the body posted to the obstacle service. Point is expressed in
// Header.FrameID.
type Request struct {
	Header worldmodel.Header `json:"header"`
	Point  point             `json:"point"`
}

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Response carries the distance in metres. Zero or negative means the
// service found nothing.
type Response struct {
	Distance float64 `json:"distance"`
}

// HTTPRanger implements worldmodel.ObstacleRanger over JSON HTTP.
type HTTPRanger struct {
	url     string
	client  httputil.HTTPClient
	timeout time.Duration
}

// NewHTTPRanger creates a ranger posting to url. A nil client uses a plain
// http.Client.
func NewHTTPRanger(url string, client httputil.HTTPClient) *HTTPRanger {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRanger{url: url, client: client, timeout: DefaultTimeout}
}

// DistanceToObstacle returns the raw distance reported by the service. The
// tracker decides which values are usable.
func (r *HTTPRanger) DistanceToObstacle(ctx context.Context, header worldmodel.Header, p r3.Vector) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var resp Response
	req := Request{Header: header, Point: point{p.X, p.Y, p.Z}}
	if err := httputil.PostJSON(ctx, r.client, r.url, req, &resp); err != nil {
		return 0, fmt.Errorf("obstacle service: %w", err)
	}
	return resp.Distance, nil
}
