package worldmodel

import "errors"

// Percept drops. These are normal outcomes of noisy input and are logged,
// never fatal.
var (
	ErrZeroSupport          = errors.New("percept has zero support")
	ErrOutOfHeightBand      = errors.New("percept outside height band")
	ErrNoObstacleDistance   = errors.New("no obstacle distance")
	ErrTransformUnavailable = errors.New("transform unavailable")
	ErrObjectFixed          = errors.New("object is fixed")
	ErrInvalidPercept       = errors.New("invalid percept")
)

// Request failures.
var (
	ErrUnknownObject   = errors.New("unknown object")
	ErrDuplicateObject = errors.New("object id already exists")
	ErrInvalidObject   = errors.New("invalid object")
)

// IsDrop reports whether err means the percept was discarded rather than
// that something went wrong.
func IsDrop(err error) bool {
	for _, target := range []error{
		ErrZeroSupport, ErrOutOfHeightBand, ErrNoObstacleDistance,
		ErrTransformUnavailable, ErrObjectFixed, ErrUnknownObject,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
