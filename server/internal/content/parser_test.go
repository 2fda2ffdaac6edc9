package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edu-vision/server/internal/widget"
)

const fence = "```"

func quizFence(title string) string {
	return fence + "json\n" +
		`{"type":"quiz","data":{"title":"` + title + `","questions":[{"question":"2+2?","options":["3","4"],"correctAnswer":1,"explanation":"Basic arithmetic."}]}}` +
		"\n" + fence
}

func TestParseMixedReply(t *testing.T) {
	reply := "Great job!\n" + quizFence("Q") + "\n[XP: +20]"

	blocks := Compact(Parse(reply))
	require.Len(t, blocks, 2)

	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, "Great job!\n", blocks[0].Text)

	require.Equal(t, BlockWidget, blocks[1].Type)
	assert.Equal(t, widget.KindQuiz, blocks[1].Kind)
	quiz, ok := blocks[1].Widget.(widget.QuizData)
	require.True(t, ok)
	assert.Equal(t, "2+2?", quiz.Questions[0].Prompt)
	assert.Equal(t, 1, quiz.Questions[0].CorrectAnswer)

	for _, b := range Parse(reply) {
		assert.NotContains(t, b.Text, "[XP:")
	}
}

func TestParseSegmentationRoundTrip(t *testing.T) {
	cards := fence + "json\n" + `{"type":"flashcards","data":{"topic":"Cells","cards":[{"front":"a","back":"b"}]}}` + "\n" + fence
	texts := []string{"Intro **bold**\n", "\nbetween\n\n", "", "tail [XP: +5] done"}
	fences := []string{quizFence("A"), cards, quizFence("B")}

	var sb strings.Builder
	for i, f := range fences {
		sb.WriteString(texts[i])
		sb.WriteString(f)
	}
	sb.WriteString(texts[3])
	reply := sb.String()

	blocks := Parse(reply)
	ws := Widgets(blocks)
	require.Len(t, ws, 3)
	assert.Equal(t, widget.KindQuiz, ws[0].Kind())
	assert.Equal(t, widget.KindFlashcards, ws[1].Kind())
	assert.Equal(t, "B", ws[2].(widget.QuizData).Title)

	want := "Intro **bold**\n\nbetween\n\ntail  done"
	assert.Equal(t, want, PlainText(blocks))

	// N 个组件前各一个文本片段，末尾再一个。
	assert.Len(t, blocks, 2*3+1)
}

func TestParseNoFences(t *testing.T) {
	blocks := Parse("just text")
	require.Len(t, blocks, 1)
	assert.Equal(t, "just text", blocks[0].Text)
	assert.Empty(t, Widgets(blocks))

	blocks = Parse("")
	require.Len(t, blocks, 1)
	assert.Empty(t, Compact(blocks))
}

func TestParseDegradesToLiteralFence(t *testing.T) {
	tests := []struct {
		name   string
		block  string
		reason string
	}{
		{"invalid json", fence + "json\n{\"type\": \"quiz\",\n" + fence, "invalid_json"},
		{"unknown type", fence + "json\n{\"type\":\"mindmap\",\"data\":{}}\n" + fence, "unknown_type"},
		{"schema violation", fence + "json\n" + `{"type":"quiz","data":{"title":"Q","questions":[{"question":"?","options":["a","b","c"],"correctAnswer":7}]}}` + "\n" + fence, "invalid_payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := "before\n" + tt.block + "\nafter"
			blocks := Parse(reply)

			assert.Empty(t, Widgets(blocks))
			assert.Equal(t, reply, PlainText(blocks), "nothing is dropped")

			var found bool
			for _, b := range blocks {
				if b.Fallback != "" {
					found = true
					assert.Equal(t, tt.block, b.Text)
					assert.Equal(t, tt.reason, b.Fallback)
				}
			}
			assert.True(t, found)
		})
	}
}

func TestParseUnknownTypeScenario(t *testing.T) {
	reply := fence + "json\n{\"type\":\"mindmap\",\"data\":{}}\n" + fence
	blocks := Compact(Parse(reply))
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, reply, blocks[0].Text)
}

func TestParseAdjacentWidgetsKeepEmptySegment(t *testing.T) {
	reply := quizFence("A") + quizFence("B")
	blocks := Parse(reply)
	require.Len(t, blocks, 5)
	assert.Equal(t, "", blocks[0].Text)
	assert.Equal(t, "", blocks[2].Text)
	assert.Equal(t, "", blocks[4].Text)
	assert.Len(t, Compact(blocks), 2)
}

func TestParserWithCustomRegistry(t *testing.T) {
	p := NewParser(widget.NewRegistry())
	blocks := p.Parse(quizFence("Q"))
	assert.Empty(t, Widgets(blocks), "quiz is not registered")
}

func TestSpeakable(t *testing.T) {
	reply := "# Title\nSome **bold** _text_\n\n" + quizFence("Q") + "\n[XP: +20]"
	got := Speakable(reply)
	assert.Equal(t, "Title. Some bold text.  Code block omitted. .", got)
	assert.NotContains(t, got, "XP")
}

func TestSpeakableTruncates(t *testing.T) {
	got := Speakable(strings.Repeat("é", 600))
	assert.Equal(t, MaxSpeechRunes, len([]rune(got)))
}

func TestRenderHTML(t *testing.T) {
	blocks := Parse("Hello **world**\n" + quizFence("Q"))
	rendered, err := RenderHTML(blocks)
	require.NoError(t, err)

	assert.Contains(t, rendered[0].HTML, "<strong>world</strong>")
	assert.Empty(t, rendered[1].HTML)
	assert.Empty(t, blocks[0].HTML, "input is not modified")
}
