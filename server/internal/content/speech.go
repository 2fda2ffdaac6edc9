package content

import (
	"regexp"
	"strings"

	"edu-vision/server/internal/gamification"
)

// MaxSpeechRunes 语音合成输入的上限。
const MaxSpeechRunes = 500

var (
	anyFence     = regexp.MustCompile("(?s)```.*?```")
	markdownMark = regexp.MustCompile("[#*`_]")
	newlines     = regexp.MustCompile(`\n+`)
)

// Speakable 把回复清洗成适合朗读的纯文本：代码块替换为提示语，去掉 XP 标记和 markdown 符号，
// 换行变成停顿，最后截断到 MaxSpeechRunes 个字符。
func Speakable(reply string) string {
	s := anyFence.ReplaceAllString(reply, " Code block omitted. ")
	s = gamification.StripTags(s)
	s = markdownMark.ReplaceAllString(s, "")
	s = newlines.ReplaceAllString(s, ". ")
	s = strings.TrimSpace(s)

	if r := []rune(s); len(r) > MaxSpeechRunes {
		s = strings.TrimSpace(string(r[:MaxSpeechRunes]))
	}
	return s
}
