package bot

import (
	"regexp"
	"strings"
)

type TriggerKind int

const (
	TriggerIgnore TriggerKind = iota
	TriggerMeme
	TriggerCode
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerMeme:
		return "meme"
	case TriggerCode:
		return "code"
	default:
		return "ignore"
	}
}

// Trigger is what a message asks the bot to do. Language and Source are set
// for TriggerCode, Caption for TriggerMeme.
type Trigger struct {
	Kind     TriggerKind
	Language string
	Source   string
	Caption  string
}

const closingFence = "```"

// Checked in order; "```hs" wins when both appear.
var fenceMarkers = []struct {
	marker   string
	language string
}{
	{"```hs", "hs"},
	{"```haskell", "haskell"},
}

var memePattern = regexp.MustCompile(`(?i)no\s+(.*)?\?`)

// Classify decides how to answer text. The code body runs from just after
// the first fence marker to the last closing fence; a fence that is never
// closed is ignored.
func Classify(text string) Trigger {
	for _, f := range fenceMarkers {
		start := strings.Index(text, f.marker)
		if start < 0 {
			continue
		}
		bodyStart := start + len(f.marker)
		end := strings.LastIndex(text, closingFence)
		if end < bodyStart {
			return Trigger{Kind: TriggerIgnore}
		}
		return Trigger{
			Kind:     TriggerCode,
			Language: f.language,
			Source:   text[bodyStart:end],
		}
	}

	if m := memePattern.FindStringSubmatch(text); m != nil {
		return Trigger{Kind: TriggerMeme, Caption: m[1]}
	}
	return Trigger{Kind: TriggerIgnore}
}

// MemeReply is the text answer to a meme trigger.
func MemeReply(caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return "No?"
	}
	return "No " + caption + "?"
}
