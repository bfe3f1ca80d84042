package fabrictelemetry

import (
	"context"

	"github.com/MrWong99/fabricmem/internal/health"
)

// Validator is the subset of [facade.Fabric] the health probe depends on —
// a single aggregate check. facade.Fabric.Validate reports coordinator
// liveness; it does not check L3 reachability or read-only mode. Kept as a
// local interface (rather than importing
// pkg/fabric/facade directly) so this package stays usable from tests that
// only have a fake fabric to hand.
type Validator interface {
	Validate(ctx context.Context) error
}

// FabricChecker returns a [health.Checker] named "fabric" that delegates to
// v.Validate — wired into a deployment's readiness handler alongside any
// other dependency checks.
func FabricChecker(v Validator) health.Checker {
	return health.Checker{
		Name:  "fabric",
		Check: v.Validate,
	}
}
