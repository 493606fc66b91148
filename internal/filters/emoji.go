package filters

import (
	"github.com/rivo/uniseg"
)

const (
	emojiRatio          = 0.04
	emojiRatioMinLength = 20
	emojiBurst          = 4
	emojiBurstWindow    = 150
)

// EmojiDensity counts grapheme clusters and the clusters that are emoji.
func EmojiDensity(text string) (emoji, clusters int) {
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		clusters++
		for _, r := range g.Runes() {
			if isEmoji(r) {
				emoji++
				break
			}
		}
	}
	return emoji, clusters
}

// TooManyEmojis reports emoji-heavy text: at least 4% of clusters on messages
// of 20 clusters or more, or more than 4 emoji in fewer than 150 clusters.
// The ratio rule has a floor of 20 clusters so that a short reply with a
// single emoji is not flagged; shorter texts are judged by the burst rule
// alone.
func TooManyEmojis(text string) bool {
	emoji, clusters := EmojiDensity(text)
	if emoji == 0 {
		return false
	}
	if clusters >= emojiRatioMinLength && float64(emoji)/float64(clusters) >= emojiRatio {
		return true
	}
	return emoji > emojiBurst && clusters < emojiBurstWindow
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r >= 0x2300 && r <= 0x23FF:
		return true
	case r == 0x3030 || r == 0x303D || r == 0x3297 || r == 0x3299:
		return true
	}
	return false
}
