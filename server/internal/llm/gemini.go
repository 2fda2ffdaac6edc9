package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edu-vision/server/internal/config"
	"edu-vision/server/internal/model"
)

// KeySource 提供当前选中的 API key；重新授权后返回新值。
type KeySource interface {
	APIKey() string
}

// StaticKey 固定不变的 key。
type StaticKey string

func (k StaticKey) APIKey() string { return string(k) }

// GeminiClient Gemini REST 客户端
type GeminiClient struct {
	config     config.GeminiConfig
	keys       KeySource
	httpClient *http.Client
}

// NewGeminiClient 创建 Gemini 客户端
func NewGeminiClient(cfg config.GeminiConfig, keys KeySource) *GeminiClient {
	if keys == nil {
		keys = StaticKey(cfg.APIKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiClient{
		config:     cfg,
		keys:       keys,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Backend = (*GeminiClient)(nil)

type generateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature        *float64        `json:"temperature,omitempty"`
	ThinkingConfig     *thinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
	ImageConfig        *imageConfig    `json:"imageConfig,omitempty"`
	SpeechConfig       *speechConfig   `json:"speechConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type imageConfig struct {
	ImageSize string `json:"imageSize,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      Content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

func (r generateResponse) parts() []Part {
	if len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

// Chat 对话生成（generateContent）
func (c *GeminiClient) Chat(ctx context.Context, req ChatRequest) (string, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	budget := req.ThinkingBudget
	if budget == 0 {
		budget = c.config.ThinkingBudget
	}

	body := generateRequest{
		Contents: req.Contents,
		GenerationConfig: &generationConfig{
			Temperature:    &temperature,
			ThinkingConfig: &thinkingConfig{ThinkingBudget: budget},
		},
	}
	if req.System != "" {
		body.SystemInstruction = &Content{Parts: []Part{TextPart(req.System)}}
	}

	var resp generateResponse
	if err := c.generate(ctx, c.config.ChatModel, body, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, p := range resp.parts() {
		sb.WriteString(p.Text)
	}
	// 空回复由调用方决定兜底文案。
	return sb.String(), nil
}

// GenerateImage 文生图
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string, size model.ImageSize) (model.InlineImage, error) {
	body := generateRequest{
		Contents: []Content{{Role: model.RoleUser, Parts: []Part{TextPart(prompt)}}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        &imageConfig{ImageSize: string(size)},
		},
	}
	var resp generateResponse
	if err := c.generate(ctx, c.config.ImageModel, body, &resp); err != nil {
		return model.InlineImage{}, err
	}
	return firstImage(resp)
}

// EditImage 以输入图为底改图
func (c *GeminiClient) EditImage(ctx context.Context, prompt string, src model.InlineImage) (model.InlineImage, error) {
	body := generateRequest{
		Contents: []Content{{
			Role:  model.RoleUser,
			Parts: []Part{ImagePart(src), TextPart(prompt)},
		}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE"}},
	}
	var resp generateResponse
	if err := c.generate(ctx, c.config.EditModel, body, &resp); err != nil {
		return model.InlineImage{}, err
	}
	return firstImage(resp)
}

func firstImage(resp generateResponse) (model.InlineImage, error) {
	for _, p := range resp.parts() {
		if p.InlineData != nil && p.InlineData.Data != "" {
			return model.InlineImage{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}, nil
		}
	}
	return model.InlineImage{}, ErrNoImage
}

type videoInstance struct {
	Prompt string      `json:"prompt"`
	Image  *videoImage `json:"image,omitempty"`
}

type videoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

type operation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// StartVideo 提交视频长任务（predictLongRunning）
func (c *GeminiClient) StartVideo(ctx context.Context, req VideoRequest) (string, error) {
	inst := videoInstance{Prompt: req.Prompt}
	if req.Image != nil {
		inst.Image = &videoImage{BytesBase64Encoded: req.Image.Data, MIMEType: req.Image.MIMEType}
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = model.AspectLandscape
	}
	body := map[string]any{
		"instances":  []videoInstance{inst},
		"parameters": map[string]any{"aspectRatio": string(aspect), "numberOfVideos": 1},
	}

	endpoint := fmt.Sprintf("%s/models/%s:predictLongRunning", c.config.BaseURL, url.PathEscape(c.config.VideoModel))
	var op operation
	if err := c.do(ctx, http.MethodPost, endpoint, body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("video operation without name")
	}
	return op.Name, nil
}

// PollVideo 查询一次长任务
func (c *GeminiClient) PollVideo(ctx context.Context, name string) (VideoStatus, error) {
	endpoint := c.config.BaseURL + "/" + strings.TrimPrefix(name, "/")
	var op operation
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &op); err != nil {
		return VideoStatus{}, err
	}
	if !op.Done {
		return VideoStatus{}, nil
	}
	if op.Error != nil {
		return VideoStatus{}, &APIError{StatusCode: op.Error.Code, Status: op.Error.Status, Message: op.Error.Message}
	}
	samples := op.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) == 0 || samples[0].Video.URI == "" {
		return VideoStatus{}, ErrNoVideo
	}
	return VideoStatus{Done: true, URI: samples[0].Video.URI}, nil
}

// DownloadVideo 下载已完成的视频；视频地址需要带 key 访问。
func (c *GeminiClient) DownloadVideo(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.keys.APIKey())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// Synthesize 语音合成（TTS 模型，返回内联音频）
func (c *GeminiClient) Synthesize(ctx context.Context, text string) (Audio, error) {
	sc := &speechConfig{}
	sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = c.config.Voice
	body := generateRequest{
		Contents: []Content{{Role: model.RoleUser, Parts: []Part{TextPart(text)}}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       sc,
		},
	}
	var resp generateResponse
	if err := c.generate(ctx, c.config.SpeechModel, body, &resp); err != nil {
		return Audio{}, err
	}
	for _, p := range resp.parts() {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return Audio{}, fmt.Errorf("decode audio: %w", err)
		}
		return Audio{MIMEType: p.InlineData.MIMEType, Data: data}, nil
	}
	return Audio{}, ErrNoAudio
}

func (c *GeminiClient) generate(ctx context.Context, modelName string, body any, out any) error {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.config.BaseURL, url.PathEscape(modelName))
	return c.do(ctx, http.MethodPost, endpoint, body, out)
}

func (c *GeminiClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-goog-api-key", c.keys.APIKey())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// newAPIError 尽量从 Google 错误体 {"error":{"code","message","status"}} 里取出细节。
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Message = env.Error.Message
		apiErr.Status = env.Error.Status
	}
	return apiErr
}
