package simpleoutput

import (
	"context"
	"fmt"
	"io"
)

// PassthroughConverter publishes the source artifact unchanged as the only
// member of its output directory. It is the fallback when no converter is
// configured.
func PassthroughConverter() Converter {
	return ConverterFunc(func(ctx context.Context, req ConvertRequest) error {
		src, err := req.Open(ctx)
		if err != nil {
			return err
		}
		defer src.Close()

		dst, err := req.Output.Create(req.Artifact.StoredName)
		if err != nil {
			return fmt.Errorf("create %s: %w", req.Artifact.StoredName, err)
		}
		if _, err := io.Copy(dst, &contextReader{ctx: ctx, r: src}); err != nil {
			dst.Close()
			return err
		}
		return dst.Close()
	})
}
