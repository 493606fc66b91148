// Package moderation evaluates one message at a time through an ordered list
// of checks, cheapest and most certain first, and stops at the first decisive
// one.
package moderation

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"chatguard/internal/classifier"
	"chatguard/internal/config"
	"chatguard/internal/contentai"
	"chatguard/internal/dedup"
	"chatguard/internal/filters"
	"chatguard/internal/metrics"
	"chatguard/internal/model"
	"chatguard/internal/platform"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

type BanChecker interface {
	IsBanned(ctx context.Context, userID int64) bool
}

type TrustCounter interface {
	Approved(userID int64) bool
	RecordClean(ctx context.Context, userID int64) (int, bool)
	Reset(userID int64)
}

type IdentityLookup interface {
	Lookup(ctx context.Context, userID int64) (string, error)
}

type Classifier interface {
	Score(ctx context.Context, text string) (classifier.Result, error)
}

type ContentOracle interface {
	CachedProfile(userID int64) (contentai.Verdict, bool)
	AnalyzeProfile(ctx context.Context, p contentai.Profile) (contentai.Verdict, error)
	AnalyzeMessageContent(ctx context.Context, text string, image []byte) (contentai.Verdict, error)
}

type MemberSet interface {
	Contains(member string) bool
}

// Deps are the collaborators of a Pipeline. Identity, Classifier and Content
// may be nil.
type Deps struct {
	Transport   platform.Transport
	Bans        BanChecker
	Trust       TrustCounter
	Identity    IdentityLookup
	Classifier  Classifier
	Content     ContentOracle
	BadMessages MemberSet
	Dedup       *dedup.Cache
	Metrics     *metrics.Metrics
}

type Pipeline struct {
	cfg          config.ModerationConfig
	low, high    float64
	dedupMinLen  int
	trustedChats map[int64]struct{}
	scripts      filters.ScriptSet
	stopWords    *filters.StopWords
	domains      filters.DomainList
	deps         Deps
	logger       *zap.Logger
}

func NewPipeline(cfg config.Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	mod := cfg.Moderation
	if mod.OracleTimeout <= 0 {
		mod.OracleTimeout = 10 * time.Second
	}
	if mod.ClassifierSpamScore == 0 {
		mod.ClassifierSpamScore = 0.3
	}
	if mod.ClassifierHighConfidence == 0 {
		mod.ClassifierHighConfidence = 3.0
	}

	scripts, unknown := filters.NewScriptSet(mod.AllowedScripts)
	if len(unknown) > 0 {
		logger.Warn("unknown scripts in allowed_scripts", zap.Strings("scripts", unknown))
	}
	stopWords, err := filters.NewStopWords(mod.StopWords, mod.StopWordsPath)
	if err != nil {
		return nil, fmt.Errorf("load stop words: %w", err)
	}

	trustedChats := make(map[int64]struct{}, len(mod.TrustedChats))
	for _, id := range mod.TrustedChats {
		trustedChats[id] = struct{}{}
	}

	low, high := cfg.ContentAI.Low, cfg.ContentAI.High
	if low <= 0 {
		low = 0.75
	}
	if high <= 0 {
		high = 0.90
	}
	minLen := cfg.Dedup.MinLength
	if minLen <= 0 {
		minLen = 10
	}

	return &Pipeline{
		cfg:          mod,
		low:          low,
		high:         high,
		dedupMinLen:  minLen,
		trustedChats: trustedChats,
		scripts:      scripts,
		stopWords:    stopWords,
		domains:      filters.NewDomainList(mod.BlockedDomains),
		deps:         deps,
		logger:       logger,
	}, nil
}

// Evaluate never fails: every oracle error degrades to the next cheaper
// decision.
func (p *Pipeline) Evaluate(ctx context.Context, msg *model.Message) Verdict {
	verdict := p.evaluate(ctx, msg)
	p.deps.Metrics.Verdict(verdict.Action.String(), string(verdict.Stage))
	if verdict.Action != model.Allow {
		p.logger.Info("message flagged",
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Int64("user_id", msg.From.ID),
			zap.Int64("message_id", msg.Ref.MessageID),
			zap.String("action", verdict.Action.String()),
			zap.String("stage", string(verdict.Stage)),
			zap.String("reason", verdict.Reason),
		)
	}
	return verdict
}

func (p *Pipeline) evaluate(ctx context.Context, msg *model.Message) Verdict {
	body := msg.Body()
	normalized := filters.Normalize(body)
	userID := msg.From.ID

	if p.trusted(ctx, userID) {
		verdict := allow(StageTrusted)
		if _, ok := p.trustedChats[msg.Chat.ID]; !ok {
			p.recordDuplicates(msg, body, &verdict)
		}
		return verdict
	}

	if msg.SenderChat != nil && msg.SenderChat.ID != msg.Chat.ID && msg.SenderChat.ID != msg.Chat.LinkedChannelID {
		verdict := allow(StageChannel)
		verdict.Notes = append(verdict.Notes, fmt.Sprintf("posted on behalf of channel %q", msg.SenderChat.Title))
		return verdict
	}

	verdict, decided := p.heuristics(ctx, msg, body, normalized)
	if !decided {
		verdict = p.classify(ctx, msg, body, normalized)
	}
	if verdict.Action == model.Allow && verdict.Stage != StageSticker {
		p.recordDuplicates(msg, body, &verdict)
		if oracle := p.contentOracle(ctx, msg, body); oracle.Action != model.Allow || oracle.Review {
			oracle.Notes = append(verdict.Notes, oracle.Notes...)
			oracle.Duplicates = verdict.Duplicates
			verdict = oracle
		}
	}
	p.accumulate(ctx, msg, &verdict)
	return verdict
}

func (p *Pipeline) trusted(ctx context.Context, userID int64) bool {
	if p.deps.Trust != nil && p.deps.Trust.Approved(userID) {
		return true
	}
	if p.deps.Identity == nil {
		return false
	}
	name, err := p.deps.Identity.Lookup(ctx, userID)
	if err != nil {
		p.logger.Warn("identity lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return name != ""
}

// heuristics runs the local checks. decided is false when none of them
// settled the message.
func (p *Pipeline) heuristics(ctx context.Context, msg *model.Message, body, normalized string) (Verdict, bool) {
	if p.deps.Bans != nil && p.deps.Bans.IsBanned(ctx, msg.From.ID) {
		return decide(p.policy(p.cfg.BanlistAutoBan), StageBanlist, "user is on the spammer list"), true
	}
	if body != "" && p.deps.BadMessages != nil && p.deps.BadMessages.Contains(dedup.Hash(body)) {
		return decide(model.AutoBan, StageKnownBad, "known spam message"), true
	}
	if msg.HasMarkup {
		return decide(p.policy(p.cfg.ButtonAutoBan), StageMarkup, "message carries buttons"), true
	}
	if msg.IsStory {
		return decide(model.DeleteAndRestrict, StageStory, "story repost"), true
	}
	if body == "" {
		if msg.IsSticker {
			return allow(StageSticker), true
		}
		return p.emptyMessage(ctx, msg), true
	}
	if words := filters.LookalikeWords(normalized); len(words) > 2 {
		return decide(p.policy(p.cfg.LookalikeAutoBan), StageLookalike, fmt.Sprintf("mixed-alphabet words: %v", words)), true
	}
	if !p.scripts.Empty() {
		if r, found := p.scripts.Disallowed(body); found {
			return p.escalate(ctx, msg, body, StageScript, fmt.Sprintf("unexpected character %q", r)), true
		}
	}
	if filters.TooManyEmojis(body) {
		return p.escalate(ctx, msg, body, StageEmoji, "too many emoji"), true
	}
	if word, found := p.stopWords.Match(normalized); found {
		return decide(model.DeleteAndRestrict, StageStopWord, fmt.Sprintf("stop word %q", word)), true
	}
	if host, found := p.domains.BlockedLink(body); found {
		return decide(model.DeleteAndRestrict, StageLink, fmt.Sprintf("link to %s", host)), true
	}
	return Verdict{}, false
}

func (p *Pipeline) policy(autoBan bool) model.Action {
	if autoBan {
		return model.AutoBan
	}
	return model.DeleteAndRestrict
}

// emptyMessage lets the content oracle judge an image-only message. Without
// an answer the message is restricted and sent to review.
func (p *Pipeline) emptyMessage(ctx context.Context, msg *model.Message) Verdict {
	fallback := decide(model.ReadOnlyRestrict, StageEmpty, "message without text")
	fallback.Review = true
	if p.deps.Content == nil || msg.PhotoRef == "" {
		return fallback
	}
	result, ok := p.analyzeContent(ctx, "", msg.PhotoRef)
	if !ok {
		return fallback
	}
	if verdict, hit := p.grade(result, StageEmpty); hit {
		return verdict
	}
	return allow(StageEmpty)
}

// escalate asks the content oracle to confirm a heuristic hit. A confident
// answer bans, anything else deletes and restricts.
func (p *Pipeline) escalate(ctx context.Context, msg *model.Message, body string, stage Stage, reason string) Verdict {
	verdict := decide(model.DeleteAndRestrict, stage, reason)
	if p.deps.Content == nil {
		return verdict
	}
	result, ok := p.analyzeContent(ctx, body, msg.PhotoRef)
	if !ok {
		return verdict
	}
	if result.Probability >= p.high {
		verdict.Action = model.AutoBan
		verdict.Reason = reason + "; " + result.Reason
	}
	return verdict.withConfidence(result.Probability)
}

func (p *Pipeline) classify(ctx context.Context, msg *model.Message, body, normalized string) Verdict {
	verdict := allow(StageNone)
	if p.deps.Classifier == nil || normalized == "" {
		return verdict
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.OracleTimeout)
	start := time.Now()
	result, err := p.deps.Classifier.Score(callCtx, normalized)
	cancel()
	p.deps.Metrics.ObserveOracle("classifier", start)
	if err != nil {
		p.logger.Warn("classifier unavailable", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
		return verdict
	}

	if result.Score > p.cfg.ClassifierSpamScore {
		if result.Score > p.cfg.ClassifierHighConfidence && p.cfg.HighConfidenceAutoBan {
			return decide(model.AutoBan, StageClassifier, fmt.Sprintf("classifier score %.2f", result.Score)).withConfidence(result.Score)
		}
		return p.escalate(ctx, msg, body, StageClassifier, fmt.Sprintf("classifier score %.2f", result.Score))
	}
	if p.cfg.LowConfidenceHamReport && result.Score > -0.5 {
		verdict.Notes = append(verdict.Notes, fmt.Sprintf("classifier unsure, score %.2f", result.Score))
	}
	return verdict
}

// contentOracle rates the profile and the message in parallel and acts on
// the higher probability.
func (p *Pipeline) contentOracle(ctx context.Context, msg *model.Message, body string) Verdict {
	if p.deps.Content == nil {
		return allow(StageNone)
	}
	var (
		wg               conc.WaitGroup
		profile, message contentai.Verdict
		profileOK        bool
		messageOK        bool
	)
	wg.Go(func() {
		profile, profileOK = p.analyzeProfile(ctx, msg.From)
	})
	wg.Go(func() {
		message, messageOK = p.analyzeContent(ctx, body, msg.PhotoRef)
	})
	wg.Wait()

	best, stage := contentai.Verdict{}, StageNone
	if profileOK {
		best, stage = profile, StageProfile
	}
	if messageOK && message.Probability > best.Probability {
		best, stage = message, StageContent
	}
	if verdict, hit := p.grade(best, stage); hit {
		return verdict
	}
	return allow(StageNone)
}

// grade maps an oracle probability onto an action: at or above high the
// message goes, at or above low the user is muted pending review.
func (p *Pipeline) grade(result contentai.Verdict, stage Stage) (Verdict, bool) {
	switch {
	case result.Probability >= p.high:
		return decide(model.DeleteAndRestrict, stage, result.Reason).withConfidence(result.Probability), true
	case result.Probability >= p.low:
		verdict := decide(model.ReadOnlyRestrict, stage, result.Reason).withConfidence(result.Probability)
		verdict.Review = true
		return verdict, true
	default:
		return Verdict{}, false
	}
}

// analyzeContent rates text and the referenced image. The download shares
// the oracle timeout.
func (p *Pipeline) analyzeContent(ctx context.Context, text, imageRef string) (contentai.Verdict, bool) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.OracleTimeout)
	defer cancel()
	image := p.download(callCtx, imageRef)
	if text == "" && image == nil {
		return contentai.Verdict{}, false
	}
	start := time.Now()
	result, err := p.deps.Content.AnalyzeMessageContent(callCtx, text, image)
	p.deps.Metrics.ObserveOracle("content", start)
	if err != nil {
		p.logger.Warn("content oracle unavailable", zap.Error(err))
		return contentai.Verdict{}, false
	}
	return result, true
}

// analyzeProfile rates the sender's profile. A cached verdict costs no
// platform calls; otherwise bio and avatar are fetched within the oracle
// timeout.
func (p *Pipeline) analyzeProfile(ctx context.Context, user model.UserRef) (contentai.Verdict, bool) {
	if cached, ok := p.deps.Content.CachedProfile(user.ID); ok {
		return cached, true
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.OracleTimeout)
	defer cancel()

	profile := contentai.Profile{UserID: user.ID, Name: user.DisplayName, Username: user.Username, Bio: user.Bio}
	avatarRef := user.AvatarRef
	if p.deps.Transport != nil && profile.Bio == "" && avatarRef == "" {
		info, err := p.deps.Transport.GetChatInfo(callCtx, user.ID)
		if err != nil {
			p.logger.Debug("profile info unavailable", zap.Int64("user_id", user.ID), zap.Error(err))
		} else {
			profile.Bio, avatarRef = info.Bio, info.AvatarRef
		}
	}
	profile.Avatar = p.download(callCtx, avatarRef)

	start := time.Now()
	result, err := p.deps.Content.AnalyzeProfile(callCtx, profile)
	p.deps.Metrics.ObserveOracle("profile", start)
	if err != nil {
		p.logger.Warn("profile oracle unavailable", zap.Int64("user_id", user.ID), zap.Error(err))
		return contentai.Verdict{}, false
	}
	return result, true
}

func (p *Pipeline) download(ctx context.Context, ref string) []byte {
	if ref == "" || p.deps.Transport == nil {
		return nil
	}
	data, err := p.deps.Transport.DownloadFile(ctx, ref)
	if err != nil {
		p.logger.Debug("file download failed", zap.String("ref", ref), zap.Error(err))
		return nil
	}
	return data
}

func (p *Pipeline) recordDuplicates(msg *model.Message, body string, verdict *Verdict) {
	if p.deps.Dedup == nil || utf8.RuneCountInString(body) <= p.dedupMinLen {
		return
	}
	prior := p.deps.Dedup.Record(dedup.Hash(body), dedup.Occurrence{
		ChatID:    msg.Chat.ID,
		ChatTitle: msg.Chat.Title,
		MessageID: msg.Ref.MessageID,
		UserID:    msg.From.ID,
		FirstName: msg.From.DisplayName,
		At:        msg.SentAt,
	})
	if len(prior) > 0 {
		verdict.Duplicates = prior
	}
}

// accumulate counts clean messages toward trust. Edited messages never count.
func (p *Pipeline) accumulate(ctx context.Context, msg *model.Message, verdict *Verdict) {
	if p.deps.Trust == nil {
		return
	}
	if verdict.Action != model.Allow || verdict.Review {
		p.deps.Trust.Reset(msg.From.ID)
		return
	}
	if msg.Edited || len(verdict.Duplicates) > 0 || len(verdict.Notes) > 0 || verdict.Stage == StageSticker {
		return
	}
	_, verdict.Promoted = p.deps.Trust.RecordClean(ctx, msg.From.ID)
}

