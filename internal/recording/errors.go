package recording

import "errors"

var (
	// ErrSessionNotActive is returned for uploads against a session that does
	// not exist or no longer accepts data.
	ErrSessionNotActive = errors.New("session not active")

	// ErrSessionAlreadyFinalized is returned when completion is requested for a
	// session that is completed, failed, or being finalized.
	ErrSessionAlreadyFinalized = errors.New("session already finalized")

	// ErrSessionNotFound is returned by lookups of unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidInterval is returned for segments whose end is not after their start.
	ErrInvalidInterval = errors.New("invalid segment interval")

	// ErrIndeterminateDuration is returned when no master duration was supplied
	// and none can be derived from the uploaded data.
	ErrIndeterminateDuration = errors.New("master duration cannot be determined")

	// ErrInputShapeConflict is returned when a channel receives both segments
	// and a whole track.
	ErrInputShapeConflict = errors.New("channel already has data of the other input shape")

	// ErrAlreadyFinalized is returned by the registry when a recording with the
	// same identity has already been written.
	ErrAlreadyFinalized = errors.New("recording already finalized")

	// ErrRecordingNotFound is returned by registry lookups of unknown ids.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrScreenRequired is returned by one-shot uploads without a screen recording.
	ErrScreenRequired = errors.New("screen recording is required")

	// ErrArtifactMissing is returned when a recording has no artifact of the requested kind.
	ErrArtifactMissing = errors.New("artifact not available")
)
