package broker

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateMethod = errors.New("broker: method already registered")
	ErrDuplicateTarget = errors.New("broker: target already registered")
	ErrNilHandler      = errors.New("broker: nil handler")

	// ErrClientClosed is returned by Client.Send once the connection is torn down.
	ErrClientClosed = errors.New("broker: client closed")
)

// ReplyError is a request failure whose message is sent to the client verbatim.
type ReplyError struct {
	Msg string
}

func (e *ReplyError) Error() string { return e.Msg }

func replyf(format string, args ...any) error {
	return &ReplyError{Msg: fmt.Sprintf(format, args...)}
}

func invalidParams(method string) error {
	return replyf("Invalid parameters for method '%s'", method)
}

// unknownExtension yields one error per requested source so each is reported on its own.
func unknownExtension(code string, sources []string) error {
	if len(sources) == 0 {
		return replyf("Unknown extension code %s", code)
	}
	errs := make([]error, 0, len(sources))
	for range sources {
		errs = append(errs, replyf("Unknown extension code %s", code))
	}
	return errors.Join(errs...)
}

// replyMessages flattens err into the messages sent to the client. Errors that are not
// ReplyErrors are reported as internal failures.
func replyMessages(err error) (msgs []string, internal []error) {
	if err == nil {
		return nil, nil
	}

	var parts []error
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		parts = j.Unwrap()
	} else {
		parts = []error{err}
	}

	for _, e := range parts {
		var re *ReplyError
		if errors.As(e, &re) {
			msgs = append(msgs, re.Msg)
			continue
		}
		msgs = append(msgs, "Internal error")
		internal = append(internal, e)
	}
	return msgs, internal
}
