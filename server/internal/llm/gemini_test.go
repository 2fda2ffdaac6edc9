package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"edu-vision/server/internal/config"
	"edu-vision/server/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *GeminiClient {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	cfg := config.Default().Gemini
	cfg.BaseURL = ts.URL
	return NewGeminiClient(cfg, StaticKey("dummy"))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGeminiChat(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-3-pro-preview:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "dummy" {
			t.Errorf("missing api key header")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Great "},{"text":"job!"}]}}]}`))
	})

	res, err := client.Chat(testContext(t), ChatRequest{
		System: "be kind",
		Contents: []Content{
			{Role: model.RoleUser, Parts: []Part{TextPart("hi")}},
			{Role: model.RoleModel, Parts: []Part{TextPart("hello")}},
			{Role: model.RoleUser, Parts: []Part{ImagePart(model.InlineImage{MIMEType: "image/png", Data: "aGk="}), TextPart("what is this?")}},
		},
	})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if res != "Great job!" {
		t.Fatalf("unexpected reply: %q", res)
	}

	gen := got["generationConfig"].(map[string]any)
	if gen["temperature"].(float64) != 0.7 {
		t.Fatalf("temperature = %v", gen["temperature"])
	}
	thinking := gen["thinkingConfig"].(map[string]any)
	if thinking["thinkingBudget"].(float64) != 1024 {
		t.Fatalf("thinking budget = %v", thinking["thinkingBudget"])
	}
	contents := got["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	sys := got["systemInstruction"].(map[string]any)
	if _, hasRole := sys["role"]; hasRole {
		t.Fatalf("system instruction should not carry a role")
	}
}

func TestGeminiChatPermissionDenied(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"The caller does not have permission","status":"PERMISSION_DENIED"}}`))
	})

	_, err := client.Chat(testContext(t), ChatRequest{Contents: []Content{{Role: model.RoleUser, Parts: []Part{TextPart("hi")}}}})
	if !IsPermissionDenied(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "The caller does not have permission" {
		t.Fatalf("unexpected error detail: %v", err)
	}
}

func TestGeminiOtherErrorIsNotPermission(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`quota`))
	})
	_, err := client.Chat(testContext(t), ChatRequest{})
	if err == nil || IsPermissionDenied(err) {
		t.Fatalf("expected non-permission error, got %v", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("status missing from error: %v", err)
	}
}

func TestGeminiGenerateImage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.GenerationConfig.ImageConfig.ImageSize != "2K" {
			t.Errorf("image size = %q", req.GenerationConfig.ImageConfig.ImageSize)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":"iVBO"}}]}}]}`))
	})

	img, err := client.GenerateImage(testContext(t), "a cell", model.ImageSize2K)
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if img.MIMEType != "image/png" || img.Data != "iVBO" {
		t.Fatalf("unexpected image: %+v", img)
	}
}

func TestGeminiEditImageWithoutImageInResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].InlineData == nil {
			t.Errorf("edit request must carry the source image first")
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"sorry"}]}}]}`))
	})

	_, err := client.EditImage(testContext(t), "make it blue", model.InlineImage{MIMEType: "image/jpeg", Data: "aGk="})
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}

func TestGeminiVideoLifecycle(t *testing.T) {
	polls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":predictLongRunning"):
			var body struct {
				Instances  []videoInstance `json:"instances"`
				Parameters map[string]any  `json:"parameters"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Parameters["aspectRatio"] != "9:16" {
				t.Errorf("aspect ratio = %v", body.Parameters["aspectRatio"])
			}
			if body.Instances[0].Image == nil {
				t.Errorf("reference image missing")
			}
			w.Write([]byte(`{"name":"models/veo/operations/abc"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/models/veo/operations/abc":
			polls++
			if polls < 2 {
				w.Write([]byte(`{"name":"models/veo/operations/abc","done":false}`))
				return
			}
			w.Write([]byte(`{"name":"models/veo/operations/abc","done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://example.test/v.mp4"}}]}}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	ctx := testContext(t)
	op, err := client.StartVideo(ctx, VideoRequest{
		Prompt:      "mitosis",
		AspectRatio: model.AspectPortrait,
		Image:       &model.InlineImage{MIMEType: "image/png", Data: "aGk="},
	})
	if err != nil {
		t.Fatalf("StartVideo error: %v", err)
	}

	st, err := client.PollVideo(ctx, op)
	if err != nil || st.Done {
		t.Fatalf("first poll: %+v, %v", st, err)
	}
	st, err = client.PollVideo(ctx, op)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if !st.Done || st.URI != "https://example.test/v.mp4" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestGeminiVideoOperationError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"op","done":true,"error":{"code":403,"message":"denied","status":"PERMISSION_DENIED"}}`))
	})
	_, err := client.PollVideo(testContext(t), "op")
	if !IsPermissionDenied(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestGeminiSynthesize(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
			t.Errorf("voice not set")
		}
		resp := `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"audio/L16;rate=24000","data":"` +
			base64.StdEncoding.EncodeToString(pcm) + `"}}]}}]}`
		w.Write([]byte(resp))
	})

	audio, err := client.Synthesize(testContext(t), "hello")
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if string(audio.Data) != string(pcm) || !strings.HasPrefix(audio.MIMEType, "audio/") {
		t.Fatalf("unexpected audio: %+v", audio)
	}
}

func TestGeminiUsesRotatedKey(t *testing.T) {
	keys := &rotatingKey{key: "old"}
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("x-goog-api-key"))
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer ts.Close()

	cfg := config.Default().Gemini
	cfg.BaseURL = ts.URL
	client := NewGeminiClient(cfg, keys)

	ctx := testContext(t)
	_, _ = client.Chat(ctx, ChatRequest{})
	keys.key = "new"
	_, _ = client.Chat(ctx, ChatRequest{})

	if len(seen) != 2 || seen[0] != "old" || seen[1] != "new" {
		t.Fatalf("keys seen = %v", seen)
	}
}

type rotatingKey struct{ key string }

func (k *rotatingKey) APIKey() string { return k.key }
