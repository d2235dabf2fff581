package cfg

import "github.com/pkg/errors"

var (
	// ErrNoEdge is returned when an edge lookup names two nodes with no
	// direct edge between them.
	ErrNoEdge = errors.New("edge does not exist in CFG")

	// ErrNoInputState is returned by BlockFromNode for a node created
	// without saving its interpreter entry state.
	ErrNoInputState = errors.New("node was created without saving its input state")

	// ErrInvariant reports an internal inconsistency, such as a
	// normalization split that cannot find its intended successor. Never
	// recovered; the graph is suspect once this surfaces.
	ErrInvariant = errors.New("internal invariant violated")
)
