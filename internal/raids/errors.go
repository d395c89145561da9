package raids

import "fmt"

// PayloadNotFoundError is returned when the page has no rehydration blob.
type PayloadNotFoundError struct {
	Size int
}

func (e *PayloadNotFoundError) Error() string {
	return fmt.Sprintf("raid payload not found in page (%d bytes)", e.Size)
}

// PayloadDecodeError is returned when the rehydration blob is present but cannot be
// percent-decoded or parsed as JSON.
type PayloadDecodeError struct {
	Stage string
	Err   error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("decode raid payload (%s): %v", e.Stage, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error {
	return e.Err
}
