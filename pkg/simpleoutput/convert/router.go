// Package convert holds the converters that turn a stored artifact into an
// output subtree.
package convert

import (
	"context"
	"fmt"
	"strings"

	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// Router picks a converter by artifact extension
type Router struct {
	byExt    map[string]simpleoutput.Converter
	fallback simpleoutput.Converter
}

// NewRouter returns a router that sends unmatched artifacts to fallback.
// A nil fallback fails unmatched artifacts.
func NewRouter(fallback simpleoutput.Converter) *Router {
	return &Router{
		byExt:    make(map[string]simpleoutput.Converter),
		fallback: fallback,
	}
}

// Handle routes the given extensions to c
func (r *Router) Handle(c simpleoutput.Converter, exts ...string) *Router {
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = c
	}
	return r
}

// Convert runs the converter registered for the artifact's extension
func (r *Router) Convert(ctx context.Context, req simpleoutput.ConvertRequest) error {
	c, ok := r.byExt[req.Artifact.Extension]
	if !ok {
		c = r.fallback
	}
	if c == nil {
		return fmt.Errorf("%w: no converter for %s", simpleoutput.ErrConversionFailed, req.Artifact.Extension)
	}
	return c.Convert(ctx, req)
}

// Chain runs converters in order against the same staging directory and
// stops at the first error.
func Chain(converters ...simpleoutput.Converter) simpleoutput.Converter {
	return simpleoutput.ConverterFunc(func(ctx context.Context, req simpleoutput.ConvertRequest) error {
		for _, c := range converters {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.Convert(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ simpleoutput.Converter = (*Router)(nil)
