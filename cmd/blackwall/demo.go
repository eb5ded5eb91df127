package main

import (
	"net/http"

	"github.com/blackwall-project/blackwall/internal/core"
	"github.com/blackwall-project/blackwall/internal/middleware"
	"github.com/gin-gonic/gin"
)

// runDemoApp serves a small application behind the engine so the whole
// pipeline can be exercised end to end: try a normal login, then one with
// a SQL injection payload, and watch the decisions land in the audit log.
func runDemoApp(engine *core.Engine, addr string) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Guard(engine, middleware.Options{}))

	r.POST("/login", func(c *gin.Context) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		// Demo only: any non-empty credentials pass.
		if body.Username == "" || body.Password == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "user": body.Username})
	})

	r.GET("/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"users": []gin.H{
				{"id": 1, "name": "alice"},
				{"id": 2, "name": "bob"},
			},
		})
	})

	r.GET("/search", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"query":   c.Query("q"),
			"results": []string{},
		})
	})

	engine.Logger.Info().Str("addr", addr).Msg("demo application starting")
	if err := r.Run(addr); err != nil {
		engine.Logger.Error().Err(err).Msg("demo application error")
	}
}
