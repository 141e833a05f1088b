// Package gin adapts the payment handlers to a gin router.
package gin

import (
	nethttp "net/http"

	"github.com/gin-gonic/gin"

	x402http "github.com/quarrylabs/quarry-pay/http"
)

// Register mounts the payment routes on the given router group.
func Register(r gin.IRouter, h *x402http.Handler) {
	r.POST("/query", gin.WrapF(h.Query))
	r.POST("/verify", gin.WrapF(h.VerifyPayment))
}

// Gate adapts a net/http payment gate middleware to gin. The wrapped gate
// decides whether the chain continues; if it wrote a response the gin chain
// is aborted.
func Gate(gate func(nethttp.Handler) nethttp.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		gate(nethttp.HandlerFunc(func(nethttp.ResponseWriter, *nethttp.Request) {
			passed = true
		})).ServeHTTP(c.Writer, c.Request)
		if passed {
			c.Next()
			return
		}
		c.Abort()
	}
}
