package dataset

import "fmt"

// Kind classifies a fatal build failure
type Kind string

const (
	// KindInput covers invalid arguments such as a train ratio outside (0,1)
	KindInput Kind = "input"
	// KindNoAnnotations means the source directory holds no annotation files
	KindNoAnnotations Kind = "no_annotations"
	// KindFilesystem covers output directory creation and source listing
	KindFilesystem Kind = "filesystem"
	// KindPersistence covers label file and descriptor writes
	KindPersistence Kind = "persistence"
)

// Error is the structured failure returned by Materialize and WriteDescriptor
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
