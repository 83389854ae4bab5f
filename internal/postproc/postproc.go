// Package postproc holds the post-processing collaborator applied to the
// accumulated response text before the final stream events are sent.
// Processors must be cheap; the relay bounds them with a short timeout.
package postproc

import (
	"context"
	"strings"
)

// Processor transforms accumulated response text for one session.
type Processor interface {
	Process(ctx context.Context, text, sessionID string) (string, error)
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, text, sessionID string) (string, error)

func (f Func) Process(ctx context.Context, text, sessionID string) (string, error) {
	return f(ctx, text, sessionID)
}

// Chain runs processors in order, feeding each one's output to the next.
// The first error aborts the chain.
type Chain []Processor

func (c Chain) Process(ctx context.Context, text, sessionID string) (string, error) {
	var err error
	for _, p := range c {
		if ctx.Err() != nil {
			return text, ctx.Err()
		}
		text, err = p.Process(ctx, text, sessionID)
		if err != nil {
			return text, err
		}
	}
	return text, nil
}

// TrimWhitespace removes leading and trailing whitespace from the response.
func TrimWhitespace() Processor {
	return Func(func(ctx context.Context, text, sessionID string) (string, error) {
		return strings.TrimSpace(text), nil
	})
}

// CollapseBlankLines squashes runs of three or more newlines down to two.
func CollapseBlankLines() Processor {
	return Func(func(ctx context.Context, text, sessionID string) (string, error) {
		for strings.Contains(text, "\n\n\n") {
			text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
		}
		return text, nil
	})
}

// Default is the processor chain used when config names none.
func Default() Processor {
	return Chain{TrimWhitespace(), CollapseBlankLines()}
}
