package topology

import _ "embed"

// SixRouterSample is the six-router spine topology used by this package's
// own parse test and, end to end, by internal/integration's six-router
// test — kept here (rather than duplicated as a private test fixture) so
// both packages read the exact same TOML.
//
//go:embed testdata/six_router.toml
var SixRouterSample string
