package moderation

import (
	"chatguard/internal/dedup"
	"chatguard/internal/model"
)

// Stage names the check that decided a verdict.
type Stage string

const (
	StageNone       Stage = "none"
	StageTrusted    Stage = "trusted"
	StageChannel    Stage = "channel_sender"
	StageBanlist    Stage = "banlist"
	StageKnownBad   Stage = "known_bad"
	StageMarkup     Stage = "markup"
	StageStory      Stage = "story"
	StageSticker    Stage = "sticker"
	StageEmpty      Stage = "empty"
	StageLookalike  Stage = "lookalike"
	StageScript     Stage = "disallowed_script"
	StageEmoji      Stage = "emoji_density"
	StageStopWord   Stage = "stop_word"
	StageLink       Stage = "blocked_link"
	StageClassifier Stage = "classifier"
	StageContent    Stage = "content_oracle"
	StageProfile    Stage = "profile_oracle"
)

// Verdict is the pipeline's decision for one message. It is never persisted.
type Verdict struct {
	Action     model.Action
	Stage      Stage
	Reason     string
	Confidence *float64
	// Review asks operators to approve or ban the user.
	Review bool
	// Notes are findings worth an operator report that did not change the
	// action on their own.
	Notes []string
	// Duplicates are earlier sightings of the same text from other accounts
	// or chats.
	Duplicates []dedup.Occurrence
	// Promoted is set when this message earned the user durable trust.
	Promoted bool
}

func allow(stage Stage) Verdict {
	return Verdict{Action: model.Allow, Stage: stage}
}

func decide(action model.Action, stage Stage, reason string) Verdict {
	return Verdict{Action: action, Stage: stage, Reason: reason}
}

func (v Verdict) withConfidence(p float64) Verdict {
	v.Confidence = &p
	return v
}

// Flagged reports whether the verdict needs any operator attention.
func (v Verdict) Flagged() bool {
	return v.Action != model.Allow || v.Review || len(v.Notes) > 0 || len(v.Duplicates) > 0
}
