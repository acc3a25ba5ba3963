package cmd

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/krau/konacaption/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallConfig = `
log_level = "warn"

[extractor]
kind = "pixel"
feature_dim = 8

[decoder]
family = "lstm"
vocab_size = 30
embed_dim = 4
hidden_dim = 8
attention_dim = 4

[generation]
method = "greedy"
max_length = 8
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(3, 3, color.RGBA{B: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestNewLogger(t *testing.T) {
	for _, style := range []string{"terminal", "json", "noop"} {
		l, err := newLogger("debug", style)
		require.NoError(t, err, style)
		require.NotNil(t, l)
	}
	_, err := newLogger("loud", "json")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}

func TestVocabBuildAndShow(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "captions.txt")
	require.NoError(t, os.WriteFile(corpus, []byte("A dog runs.\n\na dog sleeps\nthe cat runs\n"), 0o644))
	out := filepath.Join(dir, "vocab.json")

	msg, err := run(t, "vocab", "build", "--captions", corpus, "--threshold", "2", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, msg, "from 3 captions")

	v, err := vocab.LoadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"<pad>", "<start>", "<end>", "<unk>", "a", "dog", "runs"}, v.Tokens())

	msg, err = run(t, "vocab", "show", out)
	require.NoError(t, err)
	assert.Contains(t, msg, "# size=7 pad=0 start=1 end=2 unk=3")
	assert.Contains(t, msg, "5\tdog")

	_, err = run(t, "vocab", "build", "--captions", corpus, "--threshold", "0")
	assert.Error(t, err)
}

func TestCaptionCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(smallConfig), 0o644))
	imgPath := filepath.Join(dir, "img.png")
	writePNG(t, imgPath)

	msg, err := run(t, "--config", cfgPath, "--log-style", "noop", "caption", imgPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg, imgPath+"\t"), msg)

	msg, err = run(t, "--config", cfgPath, "--log-style", "noop", "caption", "--json",
		"--method", "beam_search", "--beam-width", "2", imgPath, imgPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	require.Len(t, lines, 2)
	var got captionJSON
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, imgPath, got.File)
	assert.Equal(t, "beam_search", got.Method)
	assert.LessOrEqual(t, len(got.Tokens), 7)

	_, err = run(t, "--config", cfgPath, "--log-style", "noop", "caption", "--method", "nucleus", imgPath)
	assert.Error(t, err)
	_, err = run(t, "--config", cfgPath, "--log-style", "noop", "caption", filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestCaptionCommandLimits(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(smallConfig), 0o644))
	imgPath := filepath.Join(dir, "img.png")
	writePNG(t, imgPath)

	for _, args := range [][]string{
		{"--max-length", "101"},
		{"--max-length", "0"},
		{"--method", "beam_search", "--beam-width", "11"},
		{"--method", "sample", "--temperature", "NaN"},
	} {
		full := append([]string{"--config", cfgPath, "--log-style", "noop", "caption"}, args...)
		_, err := run(t, append(full, imgPath)...)
		assert.Error(t, err, args)
	}

	_, err := run(t, "--config", cfgPath, "--log-style", "noop", "caption", "--max-length", "100", imgPath)
	assert.NoError(t, err)
}
