package extraction

import "errors"

// ErrIndexOutOfRange is returned when an edit targets a field that does not exist
var ErrIndexOutOfRange = errors.New("extraction: field index out of range")
