package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/krau/konacaption/captioner"
	"github.com/krau/konacaption/decoding"
	"github.com/krau/konacaption/service"
	"go.uber.org/zap"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errParam        = errors.New("invalid parameter")
)

type captionResponse struct {
	Caption         string  `json:"caption"`
	Method          string  `json:"method"`
	InferenceTimeMS float64 `json:"inference_time_ms"`
	ModelVersion    string  `json:"model_version"`
	Truncated       bool    `json:"truncated"`
	Score           float64 `json:"score"`
}

type handler struct {
	gen    Captioner
	opts   Options
	logger *zap.Logger
}

func (h *handler) authenticate(c *gin.Context) {
	if h.opts.Token == "" {
		c.Next()
		return
	}
	auth := c.GetHeader("Authorization")
	provided := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		provided = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.opts.Token)) != 1 {
		h.logger.Warn("Rejected request", zap.Error(errUnauthorized), zap.String("client", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "认证失败"})
		return
	}
	c.Next()
}

func (h *handler) caption(c *gin.Context) {
	if _, ok := h.parseForm(c); !ok {
		return
	}
	req, err := h.request(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数无效", "detail": err.Error()})
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未上传文件"})
		return
	}
	img, status, msg := h.readImage(fileHeader)
	if status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	res, err := h.gen.Generate(c.Request.Context(), img, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.response(res))
}

func (h *handler) batch(c *gin.Context) {
	form, ok := h.parseForm(c)
	if !ok {
		return
	}
	req, err := h.request(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数无效", "detail": err.Error()})
		return
	}
	if len(form.File["files"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "未上传文件"})
		return
	}
	files := form.File["files"]
	if len(files) > h.opts.MaxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "文件数量过多", "detail": fmt.Sprintf("at most %d files", h.opts.MaxBatch)})
		return
	}
	imgs := make([]image.Image, len(files))
	for i, fh := range files {
		img, status, msg := h.readImage(fh)
		if status != 0 {
			c.JSON(status, gin.H{"error": msg, "file": fh.Filename})
			return
		}
		imgs[i] = img
	}

	res, err := h.gen.GenerateBatch(c.Request.Context(), imgs, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]captionResponse, len(res))
	for i, r := range res {
		out[i] = h.response(r)
	}
	c.JSON(http.StatusOK, gin.H{"captions": out})
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "model_version": h.gen.Version()})
}

func (h *handler) response(res *captioner.Caption) captionResponse {
	return captionResponse{
		Caption:         res.Text,
		Method:          string(res.Method),
		InferenceTimeMS: float64(res.Elapsed.Microseconds()) / 1000,
		ModelVersion:    h.gen.Version(),
		Truncated:       res.Truncated,
		Score:           res.Score,
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, captioner.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数无效", "detail": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("Caption request abandoned", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "请求已取消"})
	default:
		h.logger.Error("Prediction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "推理失败"})
	}
}

// parseForm reads the whole multipart body, answering 413 when it runs past
// the limit installed by limitBody.
func (h *handler) parseForm(c *gin.Context) (*multipart.Form, bool) {
	form, err := c.MultipartForm()
	if err == nil {
		return form, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "文件过大"})
		return nil, false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "未上传文件"})
	return nil, false
}

// readImage returns a non-zero status and message on failure.
func (h *handler) readImage(fh *multipart.FileHeader) (image.Image, int, string) {
	if h.opts.MaxUploadBytes > 0 && fh.Size > h.opts.MaxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, "文件过大"
	}
	file, err := fh.Open()
	if err != nil {
		return nil, http.StatusBadRequest, "无法打开上传的文件"
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, http.StatusBadRequest, "无法打开上传的文件"
	}
	img, _, err := service.DecodeImage(data)
	if err != nil {
		return nil, http.StatusBadRequest, "无法解析图片"
	}
	return img, 0, ""
}

// request overlays the form parameters on the configured defaults.
func (h *handler) request(c *gin.Context) (captioner.Request, error) {
	req := h.gen.Defaults()
	maxLen, maxBeam := h.gen.Limits()

	if m := strings.TrimSpace(c.PostForm("method")); m != "" {
		method, err := decoding.ParseMethod(m)
		if err != nil {
			return req, err
		}
		req.Method = method
	}
	var err error
	if req.MaxLength, err = intParam(c, "max_length", req.MaxLength, 1, maxLen); err != nil {
		return req, err
	}
	if req.BeamWidth, err = intParam(c, "beam_width", req.BeamWidth, 1, maxBeam); err != nil {
		return req, err
	}
	if req.TopK, err = intParam(c, "top_k", req.TopK, 0, 1<<20); err != nil {
		return req, err
	}
	if s := c.PostForm("temperature"); s != "" {
		t, err := strconv.ParseFloat(s, 64)
		if err != nil || !(t > 0 && t <= 10) || !decoding.ValidTemperature(t) {
			return req, fmt.Errorf("%w: temperature must be in (0, 10], got %q", errParam, s)
		}
		req.Temperature = t
	}
	if s := c.PostForm("seed"); s != "" {
		seed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: seed %q", errParam, s)
		}
		req.Seed = seed
	}
	return req, nil
}

func intParam(c *gin.Context, name string, def, lo, hi int) (int, error) {
	s := c.PostForm(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s must be an integer in [%d, %d], got %q", errParam, name, lo, hi, s)
	}
	return v, nil
}
