package cli

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"edu-vision/server/internal/content"
	"edu-vision/server/internal/logger"
	"edu-vision/server/internal/model"
	"edu-vision/server/internal/orchestrator"
	"edu-vision/server/internal/widget"
)

type chatOptions struct {
	outDir  string
	style   string
	width   int
	verbose bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive tutoring session in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			log := logger.Nop()
			if opts.verbose {
				if log, err = logger.New(cfg.Logging.Mode); err != nil {
					return err
				}
			}
			a, err := newApp(cmd.Context(), cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			renderer, err := NewRenderer(cmd.OutOrStdout(), RenderOptions{Width: opts.width, Style: opts.style})
			if err != nil {
				return err
			}
			repl := &chatREPL{
				orch:   a.orch,
				videos: a.gemini,
				in:     bufio.NewScanner(cmd.InOrStdin()),
				r:      renderer,
				outDir: opts.outDir,
			}
			return repl.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&opts.outDir, "out", ".", "directory for generated images, videos and audio")
	cmd.Flags().StringVar(&opts.style, "style", "", "markdown style (dark, light, notty); auto-detected when empty")
	cmd.Flags().IntVar(&opts.width, "width", 100, "markdown word wrap width")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "write service logs to stderr")
	return cmd
}

// videoFetcher 下载生成好的视频。
type videoFetcher interface {
	DownloadVideo(ctx context.Context, uri string) ([]byte, error)
}

// chatREPL 终端里的一条会话：逐行读取输入，斜杠开头的是命令，其余作为一轮提交。
type chatREPL struct {
	orch   *orchestrator.Orchestrator
	videos videoFetcher
	in     *bufio.Scanner
	r      *Renderer
	outDir string

	sessionID string
	lastReply string

	// 下一轮的参数，附件在成功提交后清空
	mode   model.Mode
	size   model.ImageSize
	aspect model.AspectRatio
	images []model.InlineImage
}

var errQuit = errors.New("quit")

const chatHelp = `Commands:
  /mode <chat|image|edit|video>   switch what the next message does
  /image <path>                   attach an image to the next message
  /clear                          drop pending attachments
  /size <1K|2K|4K>                image generation size
  /aspect <16:9|9:16>             video aspect ratio
  /grade <level>                  e.g. /grade Grade 6-10
  /lang <language>                reply language
  /persona <name>                 tutor persona
  /teacher <on|off>               teacher mode
  /settings                       show current settings
  /catalog                        list grades, personas and languages
  /stats                          show level and XP
  /speak                          save the last reply as audio
  /reset                          start over
  /quit                           leave`

// Run 创建会话并进入读取循环，输入结束或 /quit 时返回。
func (c *chatREPL) Run(ctx context.Context) error {
	if c.mode == "" {
		c.mode = model.ModeChat
	}
	if c.size == "" {
		c.size = model.ImageSize1K
	}
	if c.aspect == "" {
		c.aspect = model.AspectLandscape
	}
	if c.outDir == "" {
		c.outDir = "."
	}

	state, err := c.orch.CreateSession(ctx, model.DefaultSettings())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.sessionID = state.SessionID
	for _, msg := range state.Messages {
		c.r.Message(msg)
	}
	c.r.Dim("Type /help for commands.")

	for {
		c.r.Prompt(c.promptLabel())
		line, ok := c.readLine()
		if !ok {
			return c.in.Err()
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			err := c.command(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.r.Error(err)
			}
			continue
		}
		if err := c.submit(ctx, line); err != nil {
			c.r.Error(err)
		}
	}
}

func (c *chatREPL) readLine() (string, bool) {
	if !c.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

func (c *chatREPL) promptLabel() string {
	label := string(c.mode)
	if n := len(c.images); n > 0 {
		label += fmt.Sprintf(" +%d img", n)
	}
	return label + ">"
}

// parseCommand 拆出命令名与其余参数，命令名小写且不带斜杠。
func parseCommand(line string) (name, arg string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	name, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// parseModeArg 接受完整模式名或 image/edit/video 简写。
func parseModeArg(arg string) (model.Mode, error) {
	switch strings.ToLower(arg) {
	case "image":
		return model.ModeImageGeneration, nil
	case "edit":
		return model.ModeImageEdit, nil
	case "video":
		return model.ModeVideoGeneration, nil
	}
	return model.ParseMode(arg)
}

func parseOnOff(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func (c *chatREPL) command(ctx context.Context, line string) error {
	name, arg := parseCommand(line)
	switch name {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		c.r.Dim(chatHelp)
	case "mode":
		mode, err := parseModeArg(arg)
		if err != nil {
			return err
		}
		c.mode = mode
		c.r.Info("mode: %s", mode)
	case "image":
		img, err := loadImage(arg)
		if err != nil {
			return err
		}
		c.images = append(c.images, img)
		c.r.Info("attached %s (%s)", filepath.Base(arg), img.MIMEType)
	case "clear":
		c.images = nil
		c.r.Info("attachments cleared")
	case "size":
		size, err := model.ParseImageSize(arg)
		if err != nil {
			return err
		}
		c.size = size
		c.r.Info("image size: %s", size)
	case "aspect":
		aspect, err := model.ParseAspectRatio(arg)
		if err != nil {
			return err
		}
		c.aspect = aspect
		c.r.Info("aspect ratio: %s", aspect)
	case "grade", "lang", "persona", "teacher":
		return c.updateSetting(ctx, name, arg)
	case "settings":
		state, err := c.orch.Session(ctx, c.sessionID)
		if err != nil {
			return err
		}
		s := state.Settings
		c.r.Info("grade: %s | language: %s | persona: %s | teacher mode: %t", s.GradeLevel, s.Language, s.Persona, s.TeacherMode)
	case "catalog":
		cat := c.orch.Catalog()
		c.r.Info("grades: %s", joinGrades(cat.GradeLevels))
		c.r.Info("personas: %s", strings.Join(cat.Personas, ", "))
		c.r.Info("languages: %s", strings.Join(cat.Languages, ", "))
	case "stats":
		state, err := c.orch.Session(ctx, c.sessionID)
		if err != nil {
			return err
		}
		c.r.Stats(orchestrator.Stats(state))
	case "speak":
		return c.speak(ctx)
	case "reset":
		state, err := c.orch.Reset(ctx, c.sessionID)
		if err != nil {
			return err
		}
		c.images = nil
		c.lastReply = ""
		c.r.Success("Session reset.")
		for _, msg := range state.Messages {
			c.r.Message(msg)
		}
	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return nil
}

func joinGrades(grades []model.GradeLevel) string {
	out := make([]string, len(grades))
	for i, g := range grades {
		out[i] = string(g)
	}
	return strings.Join(out, ", ")
}

func (c *chatREPL) updateSetting(ctx context.Context, name, arg string) error {
	state, err := c.orch.Session(ctx, c.sessionID)
	if err != nil {
		return err
	}
	settings := state.Settings
	switch name {
	case "grade":
		settings.GradeLevel = model.GradeLevel(arg)
	case "lang":
		settings.Language = arg
	case "persona":
		settings.Persona = arg
	case "teacher":
		on, err := parseOnOff(arg)
		if err != nil {
			return err
		}
		settings.TeacherMode = on
	}
	if _, err := c.orch.UpdateSettings(ctx, c.sessionID, settings); err != nil {
		return err
	}
	c.r.Info("settings updated")
	return nil
}

// submit 提交一轮，渲染回复，保存生成的媒体，然后进入测验与闪卡的交互。
func (c *chatREPL) submit(ctx context.Context, text string) error {
	res, err := c.orch.Submit(ctx, c.sessionID, orchestrator.Turn{
		Text:        text,
		Images:      c.images,
		Mode:        c.mode,
		ImageSize:   c.size,
		AspectRatio: c.aspect,
	})
	if err != nil {
		return err
	}
	c.images = nil
	c.lastReply = res.Reply.ID

	if res.Reply.IsError {
		c.r.Message(res.Reply)
		return nil
	}
	c.r.Blocks(res.Blocks)
	if res.XPGain > 0 {
		c.r.XPGain(res.XPGain, res.Stats)
	}

	if img := res.Reply.GeneratedImage; img != nil {
		path, err := c.saveImage(res.Reply.ID, *img)
		if err != nil {
			return err
		}
		c.r.Success("image saved to %s", path)
	}
	if uri := res.Reply.GeneratedVideo; uri != "" {
		path, err := c.saveVideo(ctx, res.Reply.ID, uri)
		if err != nil {
			c.r.Warn("video available at %s", uri)
			return err
		}
		c.r.Success("video saved to %s", path)
	}

	for _, w := range content.Widgets(res.Blocks) {
		switch data := w.(type) {
		case widget.QuizData:
			if !c.confirm("Take the quiz now? [y/N]") {
				continue
			}
			c.playQuiz(data)
		case widget.FlashcardData:
			if !c.confirm("Review the flashcards now? [y/N]") {
				continue
			}
			c.reviewFlashcards(data)
		}
	}
	return nil
}

func (c *chatREPL) confirm(question string) bool {
	c.r.Prompt(question)
	answer, ok := c.readLine()
	return ok && strings.HasPrefix(strings.ToLower(answer), "y")
}

// playQuiz 逐题作答；输入 q 提前退出。
func (c *chatREPL) playQuiz(data widget.QuizData) {
	player := widget.NewQuizPlayer(data)
	for !player.Completed() {
		q, idx := player.Current()
		c.r.QuizQuestion(q, idx, player.Total())
		c.r.Prompt(fmt.Sprintf("answer 1-%d (q to stop)>", len(q.Options)))
		line, ok := c.readLine()
		if !ok || strings.EqualFold(line, "q") {
			return
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			c.r.Warn("enter an option number")
			continue
		}
		if _, err := player.Select(n - 1); err != nil {
			c.r.Error(err)
			continue
		}
		c.r.QuizFeedback(q, player.Correct())
		if err := player.Next(); err != nil {
			c.r.Error(err)
			return
		}
	}
	c.r.QuizScore(player.Score())
}

// reviewFlashcards f 翻面，n/p 前后翻页，q 退出。
func (c *chatREPL) reviewFlashcards(data widget.FlashcardData) {
	deck := widget.NewFlashcardDeck(data)
	for {
		pos, total := deck.Position()
		c.r.Flashcard(deck.Current(), deck.Flipped(), pos, total)
		c.r.Prompt("[f]lip [n]ext [p]rev [q]uit>")
		line, ok := c.readLine()
		if !ok {
			return
		}
		switch strings.ToLower(line) {
		case "f", "":
			deck.Flip()
		case "n":
			deck.Next()
		case "p":
			deck.Prev()
		case "q":
			return
		default:
			c.r.Warn("unknown key %q", line)
		}
	}
}

func (c *chatREPL) speak(ctx context.Context) error {
	if c.lastReply == "" {
		return errors.New("nothing to speak yet")
	}
	audio, err := c.orch.Speak(ctx, c.sessionID, c.lastReply)
	if err != nil {
		return err
	}
	path, err := c.writeFile("speech-"+shortID(c.lastReply)+extensionFor(audio.MIMEType), audio.Data)
	if err != nil {
		return err
	}
	c.r.Success("audio saved to %s", path)
	return nil
}

func (c *chatREPL) saveImage(messageID string, img model.InlineImage) (string, error) {
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return "", fmt.Errorf("decode generated image: %w", err)
	}
	return c.writeFile("image-"+shortID(messageID)+extensionFor(img.MIMEType), data)
}

func (c *chatREPL) saveVideo(ctx context.Context, messageID, uri string) (string, error) {
	if c.videos == nil {
		return "", errors.New("video download unavailable")
	}
	data, err := c.videos.DownloadVideo(ctx, uri)
	if err != nil {
		return "", err
	}
	return c.writeFile("video-"+shortID(messageID)+".mp4", data)
}

func (c *chatREPL) writeFile(name string, data []byte) (string, error) {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(c.outDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// loadImage 读取本地图片并按内容嗅探 MIME 类型。
func loadImage(path string) (model.InlineImage, error) {
	if path == "" {
		return model.InlineImage{}, errors.New("usage: /image <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return model.InlineImage{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return model.InlineImage{}, fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return model.InlineImage{}, fmt.Errorf("%s is not an image (%s)", filepath.Base(path), mime)
	}
	return model.InlineImage{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "video/mp4":
		return ".mp4"
	}
	// 语音模型返回裸 PCM：audio/L16;codec=pcm;rate=24000
	if strings.HasPrefix(mime, "audio/L16") {
		return ".pcm"
	}
	return ".bin"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
