package scheduling

import "errors"

var (
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job not found")

	ErrJobExists = errors.New("job already exists")

	// ErrJobVersionConflict is returned when a job was modified by another
	// instance between read and write.
	ErrJobVersionConflict = errors.New("job version conflict")

	// ErrInvalidJobResult is returned when ending a job without OK or FAILED.
	ErrInvalidJobResult = errors.New("ended job requires result OK or FAILED")
)
