package domain

import (
	"testing"
	"uniformcore/testutil"
)

func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain must not depend on implementation packages")
}

func TestDomainIsStdlibOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ThirdPartyImportForbidden, "domain types are shared with clients and stay dependency free")
}
