package livelite

import "fmt"

// UsageError reports an API misuse the adapter can detect: a nil engine
// handle, a malformed sync endpoint, a live query registered from inside
// another live query's builder.
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) *UsageError {
	return &UsageError{msg: fmt.Sprintf(format, args...)}
}
