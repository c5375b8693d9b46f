package main

import (
	"errors"
	"fmt"
)

// Error kinds returned by the Mapbox client and the pipeline. Check them with errors.Is.
var (
	ErrUpload        = errors.New("tileset source upload failed")
	ErrCreate        = errors.New("tileset creation failed")
	ErrPublish       = errors.New("tileset publish request failed")
	ErrMissingField  = errors.New("missing field in response")
	ErrPublishFailed = errors.New("tileset publish failed")
	ErrLookup        = errors.New("tileset lookup failed")
	ErrRender        = errors.New("static image request failed")
	ErrDelete        = errors.New("delete failed")
	ErrUnknownStage  = fmt.Errorf("%w: unknown publish job stage", ErrMissingField)

	ErrNoCoordinates           = errors.New("no valid coordinates")
	ErrInsufficientCoordinates = errors.New("at least 2 valid coordinates are required")
)

// StatusError is a non-successful HTTP response from the mapping API
type StatusError struct {
	Kind       error
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Status, e.Body)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}
