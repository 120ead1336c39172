package api

import "github.com/banshee-data/worldmodel/internal/camera"

func cameraInfo() camera.Info {
	return camera.Info{
		Width:  640,
		Height: 480,
		K:      [9]float64{500, 0, 320, 0, 500, 240, 0, 0, 1},
	}
}
