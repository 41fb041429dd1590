package api

import (
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustmesh/node/internal/kinderr"
)

// Logger is a Gin middleware that logs every request with method, path,
// client IP, status code, and latency, plus the kinderr.Kind of whatever
// error (if any) the handler or Recovery attached via writeErr/c.Error — so a
// glance at the log tells you whether a failure was, say, InvalidInput or
// Storage, not just a bare status code. A recovered panic logs as storage.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kind := "-"
		if len(c.Errors) > 0 {
			if ke, ok := c.Errors.Last().Err.(*kinderr.Error); ok {
				kind = ke.Kind.String()
			}
		}
		log.Printf("[%s] %s %s | %d | %s | %s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
			kind,
		)
	}
}

// Recovery turns a panic into the node's own Storage error kind and writes it
// through the same status mapping every other internal failure uses (§7), so
// a panicking handler and a returned error produce the identical
// {"error": ...} shape instead of two different failure formats.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := kinderr.Wrap(kinderr.Storage, "panic recovered", fmt.Errorf("%v", r))
				c.Error(err)
				c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
			}
		}()
		c.Next()
	}
}
