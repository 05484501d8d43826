package operation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	nlerrors "github.com/vinayprograms/nodelink/errors"
)

// DefaultTickInterval is used by the ticker subscription when no interval is given.
const DefaultTickInterval = time.Second

// Ticker is the object ticker events fire on. It crosses the wire as a pointer.
type Ticker struct {
	Interval time.Duration
}

// Locate implements Locatable.
func (t Ticker) Locate() (kind, locator string) {
	return "path", "/ticker/" + t.Interval.String()
}

// Builtins returns a registry holding the operations every nodelink node
// serves out of the box:
//
//	echo(args...)      returns its arguments
//	sum(numbers...)    returns the sum of its numeric arguments
//	node_id()          returns the serving node id
//	time()             returns the serving node's clock as RFC 3339
//	ticker([interval]) subscription emitting <method>(count) every interval
func Builtins(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	r := NewRegistry()

	r.HandleGet("echo", Variadic, func(_ context.Context, d Descriptor) (any, error) {
		if d.Args == nil {
			return []any{}, nil
		}
		return d.Args, nil
	})

	r.HandleGet("sum", Variadic, func(_ context.Context, d Descriptor) (any, error) {
		var total float64
		for i, a := range d.Args {
			n, ok := toFloat(a)
			if !ok {
				return nil, nlerrors.Validation(fmt.Sprintf("sum: argument %d is not a number", i))
			}
			total += n
		}
		return total, nil
	})

	r.HandleGet("node_id", 0, func(ctx context.Context, _ Descriptor) (any, error) {
		return NodeIDFromContext(ctx), nil
	})

	r.HandleGet("time", 0, func(context.Context, Descriptor) (any, error) {
		return clk.Now().UTC().Format(time.RFC3339Nano), nil
	})

	r.HandleListen("ticker", Variadic, func(_ context.Context, d Descriptor, method string, _ []any, emit Emitter) (func(), error) {
		interval := DefaultTickInterval
		if len(d.Args) > 0 {
			s, ok := d.Args[0].(string)
			if !ok {
				return nil, nlerrors.Validation("ticker: interval must be a duration string")
			}
			parsed, err := time.ParseDuration(s)
			if err != nil || parsed <= 0 {
				return nil, nlerrors.Validation("ticker: invalid interval " + s)
			}
			interval = parsed
		}
		if method == "" {
			method = "tick"
		}

		ticker := clk.Ticker(interval)
		done := make(chan struct{})
		source := Ticker{Interval: interval}
		go func() {
			count := 0
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					count++
					emit(source, method, count)
				}
			}
		}()

		var once sync.Once
		return func() {
			once.Do(func() {
				ticker.Stop()
				close(done)
			})
		}, nil
	})

	return r
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
