package httpsource

import "github.com/cpnkit/cpn/node"

// Register binds the "http-source" type name on f to a fresh Source.
func Register(f *node.Factory) {
	f.Register("http-source", func() node.Process { return &Source{} })
}
