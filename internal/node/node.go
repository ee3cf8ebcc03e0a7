// Package node runs a hidden Erlang distribution node: it listens for
// peers, registers with EPMD, authenticates connections and hands every
// decoded message to a Handler.
package node

import "github.com/gin-gonic/gin"

// Node is anything that exposes an admin HTTP surface.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}
