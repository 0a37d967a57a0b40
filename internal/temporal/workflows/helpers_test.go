package workflows_test

import "github.com/stretchr/testify/mock"

// RunAgent mocks accept any context and input; the mock body inspects the
// input itself.
var (
	testAnyCtx   = mock.Anything
	testAnyInput = mock.Anything
)
