// Package camera turns image-plane detections into bearing rays.
package camera

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/geo/r3"
)

// ErrInvalidCameraInfo is returned when the intrinsics cannot describe a
// pinhole camera (zero focal length).
var ErrInvalidCameraInfo = errors.New("invalid camera info")

// Info carries the calibration of a camera as published with each image
// percept. K is the row-major 3x3 intrinsic matrix, P the 3x4 projection of
// the rectified image.
type Info struct {
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`
	K      [9]float64  `json:"k"`
	P      [12]float64 `json:"p"`
}

// PinholeModel is a rectified pinhole camera.
type PinholeModel struct {
	fx, fy float64
	cx, cy float64
	tx, ty float64
}

// NewPinholeModel builds a model from P, falling back to K when P was left
// empty by the publisher.
func NewPinholeModel(info Info) (*PinholeModel, error) {
	m := &PinholeModel{
		fx: info.P[0], cx: info.P[2], tx: info.P[3],
		fy: info.P[5], cy: info.P[6], ty: info.P[7],
	}
	if m.fx == 0 && m.fy == 0 {
		m = &PinholeModel{fx: info.K[0], cx: info.K[2], fy: info.K[4], cy: info.K[5]}
	}
	if m.fx == 0 || m.fy == 0 {
		return nil, fmt.Errorf("%w: zero focal length", ErrInvalidCameraInfo)
	}
	return m, nil
}

// ProjectPixelTo3dRay returns the ray through pixel (u, v) in the optical
// frame (x right, y down, z forward), scaled so that z == 1.
func (m *PinholeModel) ProjectPixelTo3dRay(u, v float64) r3.Vector {
	return r3.Vector{
		X: (u - m.cx - m.tx) / m.fx,
		Y: (v - m.cy - m.ty) / m.fy,
		Z: 1,
	}
}

// OpticalToBody converts an optical-frame vector into body axes
// (x forward, y left, z up).
func OpticalToBody(v r3.Vector) r3.Vector {
	return r3.Vector{X: v.Z, Y: -v.X, Z: -v.Y}
}

// Cache keeps one pinhole model per camera frame. The first calibration seen
// for a frame wins and entries are never evicted, so the cache grows with
// the number of distinct camera frames.
type Cache struct {
	mu     sync.Mutex
	models map[string]*PinholeModel
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{models: make(map[string]*PinholeModel)}
}

// Model returns the cached model for frameID, building it from info on first
// use.
func (c *Cache) Model(frameID string, info Info) (*PinholeModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.models[frameID]; ok {
		return m, nil
	}
	m, err := NewPinholeModel(info)
	if err != nil {
		return nil, fmt.Errorf("camera %q: %w", frameID, err)
	}
	c.models[frameID] = m
	return m, nil
}

// Len returns the number of cached cameras.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.models)
}
