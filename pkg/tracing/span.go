// Package tracing records lightweight span trees carried through Go
// contexts. A finished tree is written to slog, one record per span.
package tracing

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/search-indexer/pkg/logger"
)

type contextKey struct{}

// Span is a timed operation. Children may be added concurrently.
type Span struct {
	Name    string
	TraceID string
	Start   time.Time

	mu       sync.Mutex
	duration time.Duration
	ended    bool
	err      error
	attrs    []slog.Attr
	children []*Span
}

// Start opens a span named name. It becomes a child of the span already in
// ctx; otherwise it starts a new trace, reusing the request id when present.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{Name: name, Start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, span)
		parent.mu.Unlock()
	} else if id := logger.RequestIDFromContext(ctx); id != "" {
		span.TraceID = id
	} else {
		span.TraceID = uuid.NewString()
	}
	return context.WithValue(ctx, contextKey{}, span), span
}

// FromContext returns the current span, or nil.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// SetAttr attaches an attribute. A nil span ignores the call.
func (s *Span) SetAttr(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// End closes the span with the outcome err. Only the first call counts.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.duration = time.Since(s.Start)
	s.err = err
}

// Duration returns the span duration, zero while it is open.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Children returns the child spans ordered by start time.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	children := slices.Clone(s.children)
	s.mu.Unlock()
	slices.SortStableFunc(children, func(a, b *Span) int {
		return a.Start.Compare(b.Start)
	})
	return children
}

// Log writes the span tree at debug level.
func (s *Span) Log(ctx context.Context, l *slog.Logger) {
	if !l.Enabled(ctx, slog.LevelDebug) {
		return
	}
	s.log(ctx, l, 0)
}

func (s *Span) log(ctx context.Context, l *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := make([]slog.Attr, 0, len(s.attrs)+5)
	attrs = append(attrs,
		slog.String("trace_id", s.TraceID),
		slog.String("span", s.Name),
		slog.Int64("duration_ms", s.duration.Milliseconds()),
		slog.Int("depth", depth),
	)
	if s.err != nil {
		attrs = append(attrs, slog.String("error", s.err.Error()))
	}
	attrs = append(attrs, s.attrs...)
	s.mu.Unlock()

	l.LogAttrs(ctx, slog.LevelDebug, "span", attrs...)
	for _, child := range s.Children() {
		child.log(ctx, l, depth+1)
	}
}
