package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func component(rec *recorder, name string, delay time.Duration, err error) Component {
	return Func(name, func(ctx context.Context) error {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		rec.add(name)
		return err
	})
}

// **Feature: evidence-plane, Property 15: Shutdown Order**
// *For any* set of registered components, shutdown SHALL release each of them
// exactly once, in reverse registration order, and report a clean exit.
func TestPropertyShutdownOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("components are released last-registered first", prop.ForAll(
		func(n int) bool {
			rec := &recorder{}
			c := NewCoordinator(WithTimeout(time.Second), WithLogger(quietLogger()))
			var want []string
			for i := 0; i < n; i++ {
				name := string(rune('a' + i))
				c.Register(component(rec, name, 0, nil))
				want = append([]string{name}, want...)
			}
			c.Shutdown()
			c.Shutdown()

			got := rec.names()
			if len(got) != len(want) || c.ExitCode() != 0 {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(WithLogger(quietLogger()))
	c.Register(component(rec, "store", 0, nil))
	c.Register(component(rec, "redis", 0, errors.New("connection reset")))

	c.Shutdown()

	assert.Equal(t, []string{"redis", "store"}, rec.names())
	assert.Equal(t, 1, c.ExitCode())
}

func TestShutdownTimeout(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(WithTimeout(50*time.Millisecond), WithLogger(quietLogger()))
	c.Register(component(rec, "store", 0, nil))
	c.Register(component(rec, "archive", time.Second, nil))

	start := time.Now()
	c.Shutdown()

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, rec.names(), "components after the deadline are skipped")
	assert.Equal(t, 1, c.ExitCode())
}

func TestCloserComponent(t *testing.T) {
	closed := false
	c := NewCoordinator(WithLogger(quietLogger()))
	c.Register(Closer("db", closerFunc(func() error { closed = true; return nil })))
	c.Register(nil)

	c.Shutdown()

	assert.True(t, closed)
	assert.Equal(t, 0, c.ExitCode())
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
