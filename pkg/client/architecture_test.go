package client

import (
	"testing"
	"uniformcore/testutil"
)

func TestClientDoesNotReachServerInternals(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, "uniformcore/pkg/client", testutil.ModuleInternalForbidden("uniformcore"), "the client ships to other modules")
}
