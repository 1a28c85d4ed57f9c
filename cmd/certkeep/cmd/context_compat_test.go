package cmd

import (
	"context"
	"testing"
)

// testContext stands in for testing.T.Context (Go 1.24+) on older
// toolchains: it returns a context that is canceled when the test ends.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
