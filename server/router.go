// Package server exposes the captioning runtime over HTTP.
package server

import (
	"context"
	"image"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/konacaption/captioner"
	"go.uber.org/zap"
)

// Captioner is the part of service.Runtime the HTTP layer needs.
type Captioner interface {
	Generate(ctx context.Context, img image.Image, req captioner.Request) (*captioner.Caption, error)
	GenerateBatch(ctx context.Context, imgs []image.Image, req captioner.Request) ([]*captioner.Caption, error)
	Defaults() captioner.Request
	Limits() (maxLength, beamWidth int)
	Version() string
}

// Options configures the router.
type Options struct {
	// Token enables bearer authentication when non-empty.
	Token          string
	MaxUploadBytes int64
	MaxBatch       int
}

// NewRouter registers POST /caption, POST /caption/batch and GET /health.
func NewRouter(gen Captioner, opts Options, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 16
	}
	h := &handler{gen: gen, opts: opts, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(logger))
	if opts.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = opts.MaxUploadBytes
	}
	r.GET("/health", h.health)

	api := r.Group("/", h.authenticate)
	api.POST("/caption", limitBody(bodyLimit(opts.MaxUploadBytes, 1)), h.caption)
	api.POST("/caption/batch", limitBody(bodyLimit(opts.MaxUploadBytes, opts.MaxBatch)), h.batch)
	return r
}

// formOverhead leaves room for multipart headers and form fields.
const formOverhead = 1 << 20

func bodyLimit(perFile int64, files int) int64 {
	if perFile <= 0 {
		return 0
	}
	return perFile*int64(files) + formOverhead
}

// limitBody rejects bodies longer than limit before they are parsed. Zero
// disables the limit.
func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "文件过大"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}
