package gamification

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

// XPPerLevel 每升一级所需 XP。
const XPPerLevel = 500

// NotificationTTL "XP gained" 提示的展示时长。
const NotificationTTL = 3 * time.Second

// xpTag 匹配回复末尾的奖励标记，例如 "[XP: +50]"。
var xpTag = regexp.MustCompile(`\[XP:\s*\+(\d+)\]`)

// ExtractXPGain 返回回复中第一个 XP 标记的数值；没有标记时 ok=false。
// 同一条回复里出现多个标记时只认第一个。
func ExtractXPGain(reply string) (gain int, ok bool) {
	m := xpTag.FindStringSubmatch(reply)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		// 位数超出 int 的标记按上限处理，不丢掉奖励。
		return math.MaxInt, true
	}
	return n, true
}

// StripTags 去掉全部 XP 标记，用于展示与朗读。
func StripTags(reply string) string {
	return xpTag.ReplaceAllString(reply, "")
}

// Award 累加 XP，结果不为负且在 int 上限处饱和。
func Award(xp, gain int) int {
	if gain <= 0 {
		return max(xp, 0)
	}
	if xp > math.MaxInt-gain {
		return math.MaxInt
	}
	return max(xp+gain, 0)
}

// Rank 段位。
type Rank string

const (
	RankBeginner     Rank = "Beginner"
	RankIntermediate Rank = "Intermediate"
	RankAdvanced     Rank = "Advanced"
	RankMaster       Rank = "Master"
)

// LevelFor level = ⌊XP/500⌋ + 1。
func LevelFor(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return xp/XPPerLevel + 1
}

// RankFor 固定断点：0-499 / 500-1499 / 1500-2999 / 3000+。
func RankFor(xp int) Rank {
	switch {
	case xp < 500:
		return RankBeginner
	case xp < 1500:
		return RankIntermediate
	case xp < 3000:
		return RankAdvanced
	default:
		return RankMaster
	}
}

// Stats 是 XP 的全部派生视图，只通过 StatsFor 构造。
type Stats struct {
	XP    int  `json:"xp"`
	Level int  `json:"level"`
	Rank  Rank `json:"rank"`
	// LevelProgress 当前等级内的进度百分比 [0,100)。
	LevelProgress float64 `json:"level_progress"`
}

// StatsFor 由 XP 推导等级、段位与进度。
func StatsFor(xp int) Stats {
	if xp < 0 {
		xp = 0
	}
	return Stats{
		XP:            xp,
		Level:         LevelFor(xp),
		Rank:          RankFor(xp),
		LevelProgress: float64(xp%XPPerLevel) / float64(XPPerLevel) * 100,
	}
}

// Notification 是短暂的 "XP gained" 提示。
type Notification struct {
	Amount    int       `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewNotification 从 now 起展示 NotificationTTL。
func NewNotification(amount int, now time.Time) Notification {
	return Notification{Amount: amount, ExpiresAt: now.Add(NotificationTTL)}
}

// Active 报告提示在 now 时是否仍应展示。
func (n Notification) Active(now time.Time) bool {
	return n.Amount > 0 && now.Before(n.ExpiresAt)
}
