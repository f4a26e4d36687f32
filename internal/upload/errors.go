package upload

import "fmt"

// NetworkError is returned when the request never produced an HTTP response
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error while uploading file"
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is returned for responses outside the 2xx range
type HTTPError struct {
	StatusCode int
	StatusText string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upload failed: %d %s", e.StatusCode, e.StatusText)
}

// ParseError is returned when a 2xx response body is not valid JSON
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid JSON in response: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
