package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type entryContextKeyType int

const _entryContextKey entryContextKeyType = iota

// L is the default, blank logging entry. WithField and co. all return a copy
// of the original entry, so this will not leak fields between calls.
var L = logrus.NewEntry(logrus.StandardLogger())

// G returns the logging entry stored in the context, if one exists.
// Otherwise, it returns L.
func G(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(_entryContextKey).(*logrus.Entry); ok {
		return e
	}
	return L
}

// WithContext returns a context that contains the provided log entry.
// The entry can be extracted with G.
func WithContext(ctx context.Context, e *logrus.Entry) context.Context {
	return context.WithValue(ctx, _entryContextKey, e)
}

// S updates the context with the provided fields merged into the stored
// entry, and returns the updated context.
func S(ctx context.Context, fields logrus.Fields) context.Context {
	return WithContext(ctx, G(ctx).WithFields(fields))
}
