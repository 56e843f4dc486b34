package shutdown

import (
	"context"
	"io"
)

type namedFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c namedFunc) Name() string                       { return c.name }
func (c namedFunc) Shutdown(ctx context.Context) error { return c.fn(ctx) }

// Func adapts a shutdown function, such as http.Server.Shutdown.
func Func(name string, fn func(ctx context.Context) error) Component {
	return namedFunc{name: name, fn: fn}
}

// Closer adapts an io.Closer such as a store, a redis client or a GCS client.
func Closer(name string, c io.Closer) Component {
	return namedFunc{name: name, fn: func(context.Context) error { return c.Close() }}
}
