package avatar

import (
	"context"
	"fmt"
	"strings"

	"github.com/Hectorban/nia/pkg/core"
)

// emotionKeywords maps an emotion to alternative words commonly found in
// expression names. Order matters for deterministic matching.
var emotionKeywords = []struct {
	emotion  string
	keywords []string
}{
	{"happy", []string{"happy", "smile", "joy", "cheerful"}},
	{"sad", []string{"sad", "cry", "tear", "sorrow"}},
	{"angry", []string{"angry", "mad", "rage", "upset"}},
	{"surprised", []string{"surprised", "shock", "wow", "amazed"}},
	{"confused", []string{"confused", "puzzled", "question", "thinking"}},
	{"excited", []string{"excited", "energetic", "hyper", "enthusiastic"}},
	{"sleepy", []string{"sleepy", "tired", "yawn", "drowsy"}},
	{"wink", []string{"wink", "flirt", "playful"}},
	{"neutral", []string{"neutral", "normal", "default", "idle"}},
}

// TriggerEmotion resolves an emotion to a concrete expression and
// activates it.
func (c *Client) TriggerEmotion(ctx context.Context, emotion string, durationSec float64) (string, error) {
	expressions, err := c.ListExpressions(ctx)
	if err != nil {
		return "", err
	}
	name := bestEmotionMatch(emotion, expressions)
	if name == "" {
		return "", core.NewNotFoundError(fmt.Sprintf("no expression matches emotion %q", emotion))
	}
	return c.ChangeExpression(ctx, name, durationSec)
}

// bestEmotionMatch resolves an emotion against available expression
// names: a direct substring match wins, then the keyword alternatives
// of whichever emotion entry the word belongs to.
func bestEmotionMatch(emotion string, expressions []Expression) string {
	needle := strings.ToLower(strings.TrimSpace(emotion))
	if needle == "" {
		return ""
	}

	for _, expr := range expressions {
		if strings.Contains(strings.ToLower(expr.Name), needle) {
			return expr.Name
		}
	}

	for _, entry := range emotionKeywords {
		if !containsWord(entry.keywords, needle) {
			continue
		}
		for _, expr := range expressions {
			lower := strings.ToLower(expr.Name)
			for _, alt := range entry.keywords {
				if strings.Contains(lower, alt) {
					return expr.Name
				}
			}
		}
	}
	return ""
}

func containsWord(words []string, w string) bool {
	for _, v := range words {
		if v == w {
			return true
		}
	}
	return false
}
