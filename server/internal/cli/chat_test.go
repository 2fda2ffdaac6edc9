package cli

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edu-vision/server/internal/config"
	"edu-vision/server/internal/llm"
	"edu-vision/server/internal/logger"
	"edu-vision/server/internal/model"
	"edu-vision/server/internal/widget"
)

const quizReply = "Let's practice.\n```json\n" +
	`{"type":"quiz","data":{"title":"Cells","questions":[{"question":"Powerhouse of the cell?","options":["Nucleus","Mitochondria"],"correctAnswer":1,"explanation":"It makes ATP."}]}}` +
	"\n```\n[XP: +10]"

type stubBackend struct {
	reply string
}

func (b *stubBackend) Chat(context.Context, llm.ChatRequest) (string, error) { return b.reply, nil }
func (b *stubBackend) GenerateImage(context.Context, string, model.ImageSize) (model.InlineImage, error) {
	return model.InlineImage{MIMEType: "image/png", Data: "aW1n"}, nil
}
func (b *stubBackend) EditImage(context.Context, string, model.InlineImage) (model.InlineImage, error) {
	return model.InlineImage{MIMEType: "image/png", Data: "aW1n"}, nil
}
func (b *stubBackend) StartVideo(context.Context, llm.VideoRequest) (string, error) {
	return "operations/1", nil
}
func (b *stubBackend) PollVideo(context.Context, string) (llm.VideoStatus, error) {
	return llm.VideoStatus{Done: true, URI: "https://example.test/v.mp4"}, nil
}
func (b *stubBackend) Synthesize(context.Context, string) (llm.Audio, error) {
	return llm.Audio{MIMEType: "audio/wav", Data: []byte("RIFF")}, nil
}

type fakeVideos struct {
	uris []string
}

func (f *fakeVideos) DownloadVideo(_ context.Context, uri string) ([]byte, error) {
	f.uris = append(f.uris, uri)
	return []byte("MP4"), nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Video.PollInterval = time.Millisecond
	cfg.Session.WelcomeMessage = "Welcome to class!"
	return cfg
}

func newTestREPL(t *testing.T, input string) (*chatREPL, *bytes.Buffer, *fakeVideos) {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(), logger.Nop(), &stubBackend{reply: quizReply})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	var out bytes.Buffer
	r, err := NewRenderer(&out, RenderOptions{Style: "notty", Width: 80})
	require.NoError(t, err)

	videos := &fakeVideos{}
	return &chatREPL{
		orch:   a.orch,
		videos: videos,
		in:     bufio.NewScanner(strings.NewReader(input)),
		r:      r,
		outDir: t.TempDir(),
	}, &out, videos
}

func TestChatREPL_Session(t *testing.T) {
	script := strings.Join([]string{
		"/help",
		"/mode nope",
		"/mode video",
		"a dividing cell",
		"/mode image",
		"a mitochondrion",
		"/mode chat",
		"/teacher on",
		"/settings",
		"quiz me",
		"y",
		"5",
		"2",
		"/stats",
		"/speak",
		"/reset",
		"/quit",
		"never read",
	}, "\n")

	repl, out, videos := newTestREPL(t, script)
	require.NoError(t, repl.Run(context.Background()))
	text := out.String()

	assert.Contains(t, text, "Welcome to class!")
	assert.Contains(t, text, "/mode <chat|image|edit|video>")
	assert.Contains(t, text, `unknown mode "nope"`)
	assert.Contains(t, text, "+50 XP")
	assert.Contains(t, text, "+20 XP")
	assert.Contains(t, text, "teacher mode: true")
	assert.Contains(t, text, "Powerhouse of the cell?")
	assert.Contains(t, text, "option index out of range")
	assert.Contains(t, text, "Correct!")
	assert.Contains(t, text, "Quiz complete: 1/1 correct")
	assert.Contains(t, text, "+10 XP")
	assert.Contains(t, text, "Level 1")
	assert.Contains(t, text, "80 XP")
	assert.Contains(t, text, "Session reset.")
	assert.Equal(t, []string{"https://example.test/v.mp4"}, videos.uris)

	for _, pattern := range []string{"video-*.mp4", "image-*.png", "speech-*.wav"} {
		matches, err := filepath.Glob(filepath.Join(repl.outDir, pattern))
		require.NoError(t, err)
		assert.Len(t, matches, 1, pattern)
	}
	img, err := os.ReadFile(mustGlob(t, repl.outDir, "image-*.png"))
	require.NoError(t, err)
	assert.Equal(t, "img", string(img))
}

func TestChatREPL_Flashcards(t *testing.T) {
	repl, out, _ := newTestREPL(t, "cards please\ny\nf\nn\nf\nq\n")
	repl.orch = mustApp(t, "Review time.\n```json\n"+
		`{"type":"flashcards","data":{"topic":"Organelles","cards":[{"front":"Nucleus","back":"Holds DNA"},{"front":"Ribosome","back":"Builds proteins"}]}}`+
		"\n```").orch

	require.NoError(t, repl.Run(context.Background()))
	text := out.String()
	assert.Contains(t, text, "Flashcards: Organelles (2 cards)")
	assert.Contains(t, text, "Card 1 / 2  FRONT")
	assert.Contains(t, text, "Holds DNA")
	assert.Contains(t, text, "Card 2 / 2  FRONT")
	assert.Contains(t, text, "Builds proteins")
}

func TestChatREPL_ImageAttachment(t *testing.T) {
	dir := t.TempDir()
	pngPath := filepath.Join(dir, "diagram.png")
	require.NoError(t, os.WriteFile(pngPath, append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...), 0o644))

	repl, out, _ := newTestREPL(t, "/image "+pngPath+"\n/mode edit\nmake it blue\n/speak\n")
	require.NoError(t, repl.Run(context.Background()))
	text := out.String()

	assert.Contains(t, text, "attached diagram.png (image/png)")
	assert.Contains(t, text, "image saved to")
	assert.Empty(t, repl.images, "attachments are cleared after a successful turn")
}

func TestChatREPL_EditWithoutImage(t *testing.T) {
	repl, out, _ := newTestREPL(t, "/mode edit\nmake it blue\n")
	require.NoError(t, repl.Run(context.Background()))
	assert.Contains(t, out.String(), "exactly one attached image")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line, name, arg string
	}{
		{"/quit", "quit", ""},
		{"/MODE video", "mode", "video"},
		{"/grade   Grade 6-10 ", "grade", "Grade 6-10"},
		{"  /image /tmp/a b.png", "image", "/tmp/a b.png"},
	}
	for _, tt := range tests {
		name, arg := parseCommand(tt.line)
		assert.Equal(t, tt.name, name, tt.line)
		assert.Equal(t, tt.arg, arg, tt.line)
	}
}

func TestParseModeArg(t *testing.T) {
	for arg, want := range map[string]model.Mode{
		"":                 model.ModeChat,
		"chat":             model.ModeChat,
		"image":            model.ModeImageGeneration,
		"EDIT":             model.ModeImageEdit,
		"video":            model.ModeVideoGeneration,
		"video_generation": model.ModeVideoGeneration,
	} {
		got, err := parseModeArg(arg)
		require.NoError(t, err, arg)
		assert.Equal(t, want, got, arg)
	}
	_, err := parseModeArg("podcast")
	assert.Error(t, err)
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))

	_, err := loadImage(txt)
	assert.ErrorContains(t, err, "not an image")
	_, err = loadImage("")
	assert.ErrorContains(t, err, "usage")
	_, err = loadImage(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".png", extensionFor("image/png"))
	assert.Equal(t, ".jpg", extensionFor("image/jpeg"))
	assert.Equal(t, ".pcm", extensionFor("audio/L16;codec=pcm;rate=24000"))
	assert.Equal(t, ".bin", extensionFor("application/octet-stream"))
}

func TestRenderer_WidgetsAndStats(t *testing.T) {
	var out bytes.Buffer
	r, err := NewRenderer(&out, RenderOptions{Style: "notty"})
	require.NoError(t, err)

	r.Whiteboard(widget.WhiteboardData{Title: "Solve 2x = 4", Steps: []widget.Step{
		{Label: "Divide", Content: "x = 4 / 2"},
		{Content: "x = 2"},
	}})
	r.StudyPlan(widget.StudyPlanData{Days: []widget.Day{
		{Label: "Monday", Focus: "Cells", Tasks: []string{"Read chapter 3"}},
		{Label: " ", Focus: "Review"},
	}})

	text := out.String()
	assert.Contains(t, text, "Whiteboard: Solve 2x = 4")
	assert.Contains(t, text, "1. Divide")
	assert.Contains(t, text, "2. Step 2")
	assert.Contains(t, text, "Study plan: Your schedule")
	assert.Contains(t, text, "[ ] Read chapter 3")
	assert.Contains(t, text, "Day 2")
}

func TestNewApp_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Session.Store = config.StoreRedis
	cfg.Session.Redis.Addr = mr.Addr()

	a, err := newApp(context.Background(), cfg, logger.Nop(), &stubBackend{reply: "hi"})
	require.NoError(t, err)
	defer a.Close()

	state, err := a.orch.CreateSession(context.Background(), model.DefaultSettings())
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys())

	got, err := a.orch.Session(context.Background(), state.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Welcome to class!", got.Messages[0].Text)
}

func TestNewApp_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig()
	cfg.Session.Store = config.StoreRedis
	cfg.Session.Redis.Addr = addr

	_, err := newApp(context.Background(), cfg, logger.Nop(), &stubBackend{})
	assert.ErrorContains(t, err, "connect redis")
}

func TestNewApp_BadPersonaPath(t *testing.T) {
	cfg := testConfig()
	cfg.Paths.Persona = filepath.Join(t.TempDir(), "missing.md")
	_, err := newApp(context.Background(), cfg, logger.Nop(), &stubBackend{})
	assert.Error(t, err)
}

func mustApp(t *testing.T, reply string) *app {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(), logger.Nop(), &stubBackend{reply: reply})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func mustGlob(t *testing.T, dir, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	return matches[0]
}
