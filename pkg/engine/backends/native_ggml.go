//go:build ggml

package backends

import (
	"github.com/justinsb/kllama/pkg/engine"
	"github.com/justinsb/kllama/pkg/engine/ggml"
)

func nativeAdapters(opts Options) []engine.Adapter {
	adapter := ggml.New()
	if opts.Threads > 0 {
		adapter.Threads = opts.Threads
	}
	return []engine.Adapter{adapter}
}
