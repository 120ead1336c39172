package worldmodel

import (
	"context"
	"time"

	"github.com/banshee-data/worldmodel/internal/geometry"
	"github.com/golang/geo/r3"
)

// Transformer resolves the transform that maps points from source into
// target at the given stamp. A zero stamp asks for the latest transform.
type Transformer interface {
	LookupTransform(ctx context.Context, target, source string, stamp time.Time) (geometry.Transform, error)
}

// ObstacleRanger reports the distance from the sensor to the next obstacle
// along the bearing of point. A non-positive distance means unknown.
type ObstacleRanger interface {
	DistanceToObstacle(ctx context.Context, header Header, point r3.Vector) (float64, error)
}

// Publisher receives the model after every mutation. Calls are made outside
// the model lock but one mutation at a time, in the order the mutations
// happened. Implementations must not block for long and must not call back
// into the tracker.
type Publisher interface {
	PublishObject(ctx context.Context, obj Object)
	PublishModel(ctx context.Context, objects []Object)
}

// Publishers fans out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) PublishObject(ctx context.Context, obj Object) {
	for _, p := range ps {
		p.PublishObject(ctx, obj)
	}
}

func (ps Publishers) PublishModel(ctx context.Context, objects []Object) {
	for _, p := range ps {
		p.PublishModel(ctx, objects)
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishObject(context.Context, Object)  {}
func (nopPublisher) PublishModel(context.Context, []Object) {}
