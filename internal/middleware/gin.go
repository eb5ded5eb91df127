// Package middleware adapts the Blackwall engine to gin. The middleware
// snapshots the request, asks the engine for a decision and translates the
// action into HTTP behavior: Allow and Monitor pass through, RateLimit is
// 429, blocks are 403. Handlers never see a rejected request.
package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/gin-gonic/gin"
)

// decisionKey is where the middleware stores the engine's decision in the
// gin context for downstream handlers and loggers.
const decisionKey = "blackwall.decision"

// Options tunes the middleware.
type Options struct {
	// UserID extracts an authenticated identity from the request, narrowing
	// the tracking key so clients behind shared NAT don't share fate. Nil
	// means network address only.
	UserID func(c *gin.Context) string

	// MaxBodyBytes caps how much request body is read for inspection. Zero
	// uses the detector config default.
	MaxBodyBytes int
}

// Guard returns the gin middleware for the given engine.
func Guard(engine *core.Engine, opts Options) gin.HandlerFunc {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = engine.Config.Detector.MaxBodyBytes
	}

	return func(c *gin.Context) {
		req := snapshot(c, opts.UserID, maxBody)
		d := engine.Evaluate(c.Request.Context(), req)
		c.Set(decisionKey, d)

		switch d.Action {
		case core.ActionRateLimit:
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":  "rate limit exceeded",
				"reason": d.Reason,
			})
		case core.ActionBlockTemporary, core.ActionBlockPermanent:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":  "request blocked",
				"reason": d.Reason,
			})
		default:
			c.Next()
		}
	}
}

// DecisionFrom returns the decision the middleware stored for this request,
// if any.
func DecisionFrom(c *gin.Context) (*core.Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*core.Decision)
	return d, ok
}

// snapshot captures the request for evaluation. The body is read up to
// maxBody bytes and restored so handlers can read it again.
func snapshot(c *gin.Context, userID func(c *gin.Context) string, maxBody int) *core.RequestContext {
	var body []byte
	bodySize := int(c.Request.ContentLength)
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		limited := io.LimitReader(c.Request.Body, int64(maxBody)+1)
		read, err := io.ReadAll(limited)
		if err == nil {
			// Restore the body: the buffered prefix, then whatever is still
			// unread on the wire.
			c.Request.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(read), c.Request.Body), c.Request.Body}
			if len(read) > maxBody {
				read = read[:maxBody]
			}
			body = read
			if bodySize < len(read) {
				bodySize = len(read)
			}
		}
	}
	if bodySize < 0 {
		bodySize = len(body)
	}

	var uid string
	if userID != nil {
		uid = userID(c)
	}

	req := core.NewRequestContext(
		c.ClientIP(),
		c.Request.Method,
		c.Request.URL.Path,
		c.Request.URL.Query(),
		c.Request.Header,
		body,
		bodySize,
	)
	req.UserID = uid
	return req
}
