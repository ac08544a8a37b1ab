package nodelib

import "github.com/cpnkit/cpn/node"

// Register binds the "fork", "join" and "null" type names on f to
// this package's node bodies.
func Register(f *node.Factory) {
	f.Register("fork", func() node.Process { return Fork{} })
	f.Register("join", func() node.Process { return Join{} })
	f.Register("null", func() node.Process { return Null{} })
}
