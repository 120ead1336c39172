package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/worldmodel/internal/httputil"
	"github.com/banshee-data/worldmodel/internal/tf"
	"github.com/banshee-data/worldmodel/internal/version"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
)

// PerceptResponse answers a percept post. A dropped percept is not a client
// error: it is accepted and the reason reported.
type PerceptResponse struct {
	Dropped bool               `json:"dropped"`
	Reason  string             `json:"reason,omitempty"`
	Object  *worldmodel.Object `json:"object,omitempty"`
}

// StateRequest is the body of PUT /api/objects/{id}/state. State accepts a
// name or an integer code.
type StateRequest struct {
	State worldmodel.ObjectState `json:"state"`
}

// writeRequestError maps tracker errors onto status codes.
func writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worldmodel.ErrUnknownObject):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, worldmodel.ErrTransformUnavailable),
		errors.Is(err, worldmodel.ErrNoObstacleDistance):
		httputil.UnprocessableEntity(w, err.Error())
	case errors.Is(err, worldmodel.ErrDuplicateObject),
		errors.Is(err, worldmodel.ErrObjectFixed):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, worldmodel.ErrInvalidPercept),
		errors.Is(err, worldmodel.ErrInvalidObject):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func writePerceptResult(w http.ResponseWriter, obj worldmodel.Object, err error) {
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, PerceptResponse{Object: &obj})
	case worldmodel.IsDrop(err):
		worldmodel.LogDrop("HTTP", err)
		httputil.WriteJSON(w, http.StatusAccepted, PerceptResponse{Dropped: true, Reason: err.Error()})
	case errors.Is(err, worldmodel.ErrInvalidPercept):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) handlePosePercept(w http.ResponseWriter, r *http.Request) {
	var p worldmodel.PosePercept
	if err := httputil.DecodeJSON(r, &p); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	obj, err := s.tracker.HandlePosePercept(r.Context(), p)
	writePerceptResult(w, obj, err)
}

func (s *Server) handleImagePercept(w http.ResponseWriter, r *http.Request) {
	var p worldmodel.ImagePercept
	if err := httputil.DecodeJSON(r, &p); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	obj, err := s.tracker.HandleImagePercept(r.Context(), p)
	writePerceptResult(w, obj, err)
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.tracker.GetObjectModel())
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	obj, err := s.tracker.GetObject(r.PathValue("id"))
	if err != nil {
		writeRequestError(w, err)
		return
	}
	httputil.WriteJSONOK(w, obj)
}

func (s *Server) addObject(w http.ResponseWriter, r *http.Request) {
	var req worldmodel.AddObjectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	obj, err := s.tracker.AddObject(r.Context(), req)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, obj)
}

func (s *Server) setObjectState(w http.ResponseWriter, r *http.Request) {
	var req StateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	obj, err := s.tracker.SetObjectState(r.Context(), r.PathValue("id"), req.State)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	httputil.WriteJSONOK(w, obj)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.tracker.Reset(r.Context())
	httputil.WriteJSONOK(w, map[string]string{"status": "reset"})
}

func (s *Server) setTransforms(w http.ResponseWriter, r *http.Request) {
	if s.buffer == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "transform buffer not configured")
		return
	}
	var msg tf.Message
	if err := httputil.DecodeJSON(r, &msg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.buffer.Apply(msg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"accepted": len(msg.Transforms)})
}

func (s *Server) setRobotPose(w http.ResponseWriter, r *http.Request) {
	if s.buffer == nil || s.poseFrames == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "robot pose frames not configured")
		return
	}
	var p tf.RobotPose
	if err := httputil.DecodeJSON(r, &p); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.buffer.SetRobotPose(*s.poseFrames, p); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": version.String(),
		"objects": s.tracker.Model().Len(),
	}
	if s.broadcaster != nil {
		resp["stream"] = s.broadcaster.Stats()
	}
	if s.buffer != nil {
		resp["frames"] = s.buffer.Frames()
	}
	httputil.WriteJSONOK(w, resp)
}

// streamUpdates serves updates as server-sent events until the client goes
// away.
func (s *Server) streamUpdates(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "streaming not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	sub, err := s.broadcaster.Subscribe()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.broadcaster.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", u.Seq, u.Kind, data)
			flusher.Flush()
		}
	}
}
