//go:build !ggml

package backends

import "github.com/justinsb/kllama/pkg/engine"

func nativeAdapters(opts Options) []engine.Adapter {
	return nil
}
