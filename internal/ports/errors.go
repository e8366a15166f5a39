package ports

import "errors"

var (
	// ErrPermissionDenied is returned by a Device when access was refused.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceBusy is returned when another process holds the device.
	ErrDeviceBusy = errors.New("camera device busy")
	// ErrNoDevice is returned when no capture device matches the constraints.
	ErrNoDevice = errors.New("no camera device found")

	ErrAlreadyRecording = errors.New("recorder already active")
	ErrNoStream         = errors.New("no media stream supplied")
	ErrNoUploadID       = errors.New("no chunk was acknowledged, nothing to finalize")
	ErrMissingIdentity  = errors.New("test id and candidate id are required")
	ErrFrameUnavailable = errors.New("no frame rendered yet")
)
