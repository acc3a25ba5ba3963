package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/konacaption/captioner"
	"github.com/krau/konacaption/decoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCaptioner struct {
	last captioner.Request
	err  error
}

func (f *fakeCaptioner) Generate(_ context.Context, _ image.Image, req captioner.Request) (*captioner.Caption, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &captioner.Caption{Text: "a cat on a mat", Method: req.Method, Elapsed: 1500 * time.Microsecond, Truncated: true}, nil
}

func (f *fakeCaptioner) GenerateBatch(ctx context.Context, imgs []image.Image, req captioner.Request) ([]*captioner.Caption, error) {
	out := make([]*captioner.Caption, len(imgs))
	for i, img := range imgs {
		c, err := f.Generate(ctx, img, req)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

func (f *fakeCaptioner) Defaults() captioner.Request {
	return captioner.Request{Method: decoding.BeamSearch, MaxLength: 20, BeamWidth: 3, Temperature: 1}
}

func (f *fakeCaptioner) Limits() (int, int) { return 50, 10 }

func (f *fakeCaptioner) Version() string { return "1.2.3" }

func init() { gin.SetMode(gin.TestMode) }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, path string, fields map[string]string, files map[string][][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for field, contents := range files {
		for _, data := range contents {
			fw, err := w.CreateFormFile(field, "img.png")
			require.NoError(t, err)
			_, err = fw.Write(data)
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCaption(t *testing.T) {
	gen := &fakeCaptioner{}
	r := NewRouter(gen, Options{}, zaptest.NewLogger(t))

	rec := serve(r, upload(t, "/caption", map[string]string{"method": "greedy", "max_length": "15"},
		map[string][][]byte{"file": {pngBytes(t)}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp captionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a cat on a mat", resp.Caption)
	assert.Equal(t, "greedy", resp.Method)
	assert.Equal(t, "1.2.3", resp.ModelVersion)
	assert.InDelta(t, 1.5, resp.InferenceTimeMS, 1e-9)
	assert.True(t, resp.Truncated)

	assert.Equal(t, decoding.Greedy, gen.last.Method)
	assert.Equal(t, 15, gen.last.MaxLength)
	assert.Equal(t, 3, gen.last.BeamWidth)
}

func TestCaptionDefaults(t *testing.T) {
	gen := &fakeCaptioner{}
	r := NewRouter(gen, Options{}, zaptest.NewLogger(t))
	rec := serve(r, upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gen.Defaults(), gen.last)
}

func TestCaptionBadParams(t *testing.T) {
	r := NewRouter(&fakeCaptioner{}, Options{}, zaptest.NewLogger(t))
	for _, fields := range []map[string]string{
		{"method": "nucleus"},
		{"max_length": "0"},
		{"max_length": "51"},
		{"beam_width": "11"},
		{"beam_width": "two"},
		{"temperature": "-1"},
		{"temperature": "NaN"},
		{"temperature": "Inf"},
		{"temperature": "1e-310"},
		{"seed": "-3"},
	} {
		rec := serve(r, upload(t, "/caption", fields, map[string][][]byte{"file": {pngBytes(t)}}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", fields)
		assert.Contains(t, rec.Body.String(), "参数无效")
	}
}

func TestCaptionUploadErrors(t *testing.T) {
	r := NewRouter(&fakeCaptioner{}, Options{MaxUploadBytes: 1 << 20}, zaptest.NewLogger(t))

	rec := serve(r, upload(t, "/caption", map[string]string{"method": "greedy"}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "未上传文件")

	rec = serve(r, upload(t, "/caption", nil, map[string][][]byte{"file": {[]byte("not an image")}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "无法解析图片")

	small := NewRouter(&fakeCaptioner{}, Options{MaxUploadBytes: 10}, zaptest.NewLogger(t))
	rec = serve(small, upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestOversizedBodyRejectedBeforeParsing(t *testing.T) {
	gen := &fakeCaptioner{}
	r := NewRouter(gen, Options{MaxUploadBytes: 1 << 10, MaxBatch: 2}, zaptest.NewLogger(t))
	huge := bytes.Repeat([]byte{0xff}, 2<<20)

	for _, path := range []string{"/caption", "/caption/batch"} {
		field := "file"
		if path == "/caption/batch" {
			field = "files"
		}
		req := upload(t, path, nil, map[string][][]byte{field: {huge}})
		rec := serve(r, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "文件过大")

		// Without a declared length the body is cut off while parsing.
		req = upload(t, path, nil, map[string][][]byte{field: {huge}})
		req.ContentLength = -1
		rec = serve(r, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, path)
	}
	assert.Zero(t, gen.last)

	rec := serve(r, upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}}))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	assert.Zero(t, bodyLimit(0, 16))
	assert.Equal(t, int64(10+formOverhead), bodyLimit(10, 1))
	assert.Equal(t, int64(160+formOverhead), bodyLimit(10, 16))
}

func TestCaptionFailures(t *testing.T) {
	gen := &fakeCaptioner{err: decoding.ErrNumerical}
	r := NewRouter(gen, Options{}, zaptest.NewLogger(t))
	rec := serve(r, upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "推理失败")

	gen.err = captioner.ErrInvalidRequest
	rec = serve(r, upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	gen.err = context.Canceled
	rec = serve(r, upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthentication(t *testing.T) {
	r := NewRouter(&fakeCaptioner{}, Options{Token: "s3cret"}, zaptest.NewLogger(t))

	rec := serve(r, upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "认证失败")

	req := upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}})
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = upload(t, "/caption", nil, map[string][][]byte{"file": {pngBytes(t)}})
	req.Header.Set("Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	// Health stays public.
	rec = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestBatch(t *testing.T) {
	r := NewRouter(&fakeCaptioner{}, Options{MaxBatch: 2}, zaptest.NewLogger(t))

	rec := serve(r, upload(t, "/caption/batch", nil, map[string][][]byte{"files": {pngBytes(t), pngBytes(t)}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Captions []captionResponse `json:"captions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Captions, 2)
	assert.Equal(t, "a cat on a mat", resp.Captions[1].Caption)

	rec = serve(r, upload(t, "/caption/batch", nil, map[string][][]byte{"files": {pngBytes(t), pngBytes(t), pngBytes(t)}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
