package crawler

import "errors"

// ErrJobNotFound signals that a job id is unknown to the store.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned when a job id is created twice.
var ErrJobExists = errors.New("job already exists")

// ErrInvalidJob wraps validation failures for submitted jobs.
var ErrInvalidJob = errors.New("invalid job")
