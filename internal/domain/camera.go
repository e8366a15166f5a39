package domain

// CameraStatus is the lifecycle state of the capture device handle.
type CameraStatus string

const (
	CameraIdle    CameraStatus = "idle"
	CameraOn      CameraStatus = "on"
	CameraBlocked CameraStatus = "blocked"
	CameraError   CameraStatus = "error"
)

// CameraResult is returned by open/restart. Failures are never returned as
// errors; Message carries a human-readable explanation instead.
type CameraResult struct {
	OK      bool
	Status  CameraStatus
	Message string
}
