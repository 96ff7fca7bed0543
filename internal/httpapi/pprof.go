package httpapi

import (
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// pprofHandler dispatches /debug/pprof/<name>. Index also serves the named
// runtime profiles (heap, goroutine, ...).
func pprofHandler(c *gin.Context) {
	w, r := c.Writer, c.Request
	switch strings.TrimPrefix(c.Param("name"), "/") {
	case "cmdline":
		hpprof.Cmdline(w, r)
	case "profile":
		hpprof.Profile(w, r)
	case "symbol":
		hpprof.Symbol(w, r)
	case "trace":
		hpprof.Trace(w, r)
	default:
		hpprof.Index(w, r)
	}
}
