// Package status serves a read-only HTTP view of a running bridge.
package status

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gpio-rpc/descriptor"
)

// Bridge is what the status routes read from a client.Bridge.
type Bridge interface {
	Pending() []byte
	Queued() int
	Err() error
}

type rpcView struct {
	ID      byte `json:"id"`
	Inputs  int  `json:"inputs"`
	Outputs int  `json:"outputs"`
}

// NewRouter builds the gin engine. Empty origins disable CORS.
func NewRouter(b Bridge, catalog *descriptor.Catalog, logger zerolog.Logger, origins []string) *gin.Engine {
	startedAt := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		body := gin.H{"uptime": time.Since(startedAt).String()}
		if err := b.Err(); err != nil {
			status, code = "disconnected", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
		body["status"] = status
		c.JSON(code, body)
	})

	r.GET("/calls", func(c *gin.Context) {
		pending := b.Pending()
		ids := make([]int, len(pending))
		for i, id := range pending {
			ids[i] = int(id)
		}
		c.JSON(http.StatusOK, gin.H{
			"pending":      ids,
			"queued_bytes": b.Queued(),
		})
	})

	r.GET("/rpcs", func(c *gin.Context) {
		var out []rpcView
		for _, d := range catalog.List() {
			out = append(out, rpcView{ID: d.ID(), Inputs: d.NumIn(), Outputs: d.NumOut()})
		}
		c.JSON(http.StatusOK, gin.H{"rpcs": out})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		event := logger.Debug()
		if c.Writer.Status() >= 500 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}
