package renderer

import "errors"

var (
	ErrSceneNotDefined  = errors.New("renderer: no scene defined")
	ErrNoInstances      = errors.New("renderer: scene defines no instances")
	ErrCameraNotDefined = errors.New("renderer: no camera defined")
)
