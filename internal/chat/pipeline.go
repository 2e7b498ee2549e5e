// Package chat orchestrates the request pipeline: moderation, context
// assembly, intent classification, retrieval, the final model call, and
// usage accounting.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/extract"
	"github.com/bookpile/hondana/internal/gateway"
	"github.com/bookpile/hondana/internal/history"
	"github.com/bookpile/hondana/internal/intent"
	"github.com/bookpile/hondana/internal/moderation"
	"github.com/bookpile/hondana/internal/models"
	"github.com/bookpile/hondana/internal/pricing"
	"github.com/bookpile/hondana/internal/retrieval"
	"github.com/bookpile/hondana/internal/storage"
	"github.com/bookpile/hondana/internal/usage"
)

// ErrNotOwner means the requester does not own the target conversation.
var ErrNotOwner = errors.New("conversation not owned by requester")

// state labels one orchestrator position; transitions are logged at Debug.
type state string

const (
	stateReceived         state = "received"
	stateGated            state = "gated"
	stateRejected         state = "rejected"
	stateContextBuilt     state = "context_built"
	stateClassified       state = "classified"
	stateRetrieved        state = "retrieved"
	stateSkippedRetrieval state = "skipped_retrieval"
	stateAnswered         state = "answered"
	stateRecorded         state = "recorded"
	stateCompleted        state = "completed"
	stateFailed           state = "failed"
)

// thresholds above which a message gets a stored summary.
const (
	userSummaryThreshold      = 400
	assistantSummaryThreshold = 600
)

const placeholderTitle = "New chat"

const systemPrompt = `You are Hondana, a friendly book recommendation assistant.
Answer conversationally. When a list of candidate books is provided, recommend
only titles from that list and never invent books.`

const titlePrompt = `Generate a short title (3 to 8 words) for a conversation
that starts with the following message. Reply with the title only, no quotes.`

const summaryPrompt = `Summarize the following chat message in at most two
sentences, keeping the concrete details. Reply with the summary only.`

// UploadedFile is one attachment received with the request.
type UploadedFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Request is one inbound chat turn.
type Request struct {
	UserID int64
	// ConversationID is nil for a new conversation.
	ConversationID *int64
	Text           string
	// Model is the user-selected chat model; empty means the default.
	Model string
	Files []UploadedFile
}

// StageModels names the model used by each internal stage.
type StageModels struct {
	Default string
	Title   string
	Summary string
}

// Pipeline coordinates one chat turn end to end. Construct once, share
// across requests.
type Pipeline struct {
	store      storage.Store
	gate       *moderation.Gate
	builder    *history.Builder
	classifier *intent.Classifier
	retriever  *retrieval.Retriever
	gw         gateway.Gateway
	pricer     *pricing.Engine
	recorder   *usage.Recorder
	extractor  *extract.Extractor
	stages     StageModels
	locks      *conversationLocks
	logger     *zap.Logger
}

// NewPipeline wires the pipeline. Stage models must be priceable up front so
// a misconfigured deployment fails at startup instead of mispricing calls.
func NewPipeline(
	store storage.Store,
	gate *moderation.Gate,
	builder *history.Builder,
	classifier *intent.Classifier,
	retriever *retrieval.Retriever,
	gw gateway.Gateway,
	pricer *pricing.Engine,
	recorder *usage.Recorder,
	extractor *extract.Extractor,
	stages StageModels,
	logger *zap.Logger,
) (*Pipeline, error) {
	for _, m := range []string{stages.Default, stages.Title, stages.Summary, classifier.Model()} {
		if m == "" {
			return nil, fmt.Errorf("stage model not configured")
		}
		if !pricer.Known(m) {
			return nil, fmt.Errorf("stage model %q: %w", m, pricing.ErrUnknownModel)
		}
	}
	return &Pipeline{
		store:      store,
		gate:       gate,
		builder:    builder,
		classifier: classifier,
		retriever:  retriever,
		gw:         gw,
		pricer:     pricer,
		recorder:   recorder,
		extractor:  extractor,
		stages:     stages,
		locks:      newConversationLocks(),
		logger:     logger,
	}, nil
}

// Handle runs one chat turn. The returned result's nil fields encode the
// moderation outcome; errors map to HTTP statuses at the server boundary.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*models.ChatResult, error) {
	log := p.logger.With(zap.Int64("user_id", req.UserID))
	p.transition(log, stateReceived)

	model := req.Model
	if model == "" {
		model = p.stages.Default
	}
	if !p.pricer.Known(model) {
		return nil, fmt.Errorf("model %q: %w", model, pricing.ErrUnknownModel)
	}

	// Ownership is settled before any pipeline stage runs.
	var conv *models.Conversation
	if req.ConversationID != nil {
		var err error
		conv, err = p.store.GetConversation(ctx, *req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.UserID != req.UserID {
			return nil, ErrNotOwner
		}
	}

	verdict := p.gate.Evaluate(req.Text)
	p.transition(log, stateGated)
	if verdict == moderation.VerdictFlagged {
		return p.reject(ctx, log, conv, req.Text)
	}

	newConversation := conv == nil
	if newConversation {
		var err error
		conv, err = p.store.CreateConversation(ctx, req.UserID, placeholderTitle, "")
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}
	log = log.With(zap.Int64("conversation_id", conv.ID))

	p.locks.lock(conv.ID)
	defer p.locks.unlock(conv.ID)

	userMsg := &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Text: req.Text}
	if err := p.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	attachmentText, err := p.saveAttachments(ctx, userMsg.ID, req.Files)
	if err != nil {
		return nil, err
	}

	window, err := p.builder.Build(ctx, conv.ID)
	if err != nil {
		p.transition(log, stateFailed)
		return nil, err
	}
	p.transition(log, stateContextBuilt)

	classification := p.classifier.Classify(ctx, req.Text)
	p.transition(log, stateClassified)

	var matches []*retrieval.Match
	if classification.Intent == intent.IntentBookRequest {
		matches = p.retriever.Retrieve(ctx, req.Text)
		p.transition(log, stateRetrieved)
	} else {
		p.transition(log, stateSkippedRetrieval)
	}

	prompt := p.assemblePrompt(window, matches, attachmentText)
	completion, err := p.gw.Complete(ctx, models.ScopeFinal, prompt, model, gateway.Options{})
	if err != nil {
		p.transition(log, stateFailed)
		// The user message stays persisted; advisory spend is still
		// accounted, attributed to it.
		p.recordAdvisory(ctx, log, userMsg.ID, classification)
		return nil, err
	}
	p.transition(log, stateAnswered)

	// The answer exists; remaining writes must survive client disconnect.
	durable := context.WithoutCancel(ctx)

	reply := &models.Message{
		ConversationID: conv.ID,
		RequestID:      &userMsg.ID,
		Role:           models.RoleAssistant,
		Text:           completion.Text,
	}
	if err := p.store.AppendMessage(durable, reply); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	p.recordStage(durable, log, reply.ID, models.ScopeIntent, p.classifierModelUsage(classification))
	p.recordStage(durable, log, reply.ID, models.ScopeFinal, stageUsage{model: completion.Model, usage: completion.Usage})

	if newConversation {
		p.generateTitle(durable, log, conv.ID, reply.ID, req.Text)
	}
	p.maybeSummarize(durable, log, reply.ID, userMsg, userSummaryThreshold)
	p.maybeSummarize(durable, log, reply.ID, reply, assistantSummaryThreshold)
	p.transition(log, stateRecorded)

	answer := completion.Text
	p.transition(log, stateCompleted)
	return &models.ChatResult{
		ConversationID:    &conv.ID,
		RequestMessageID:  &userMsg.ID,
		ResponseMessageID: &reply.ID,
		Answer:            &answer,
	}, nil
}

// reject handles a flagged message. A flagged first message of a new
// conversation writes nothing at all; in an existing conversation the message
// is kept with ignored=true so the author sees it, but it never reaches the
// model, the context, or the ledger.
func (p *Pipeline) reject(ctx context.Context, log *zap.Logger, conv *models.Conversation, text string) (*models.ChatResult, error) {
	p.transition(log, stateRejected)
	if conv == nil {
		log.Info("flagged first message discarded without writes")
		return &models.ChatResult{}, nil
	}

	p.locks.lock(conv.ID)
	defer p.locks.unlock(conv.ID)

	// The write must land even if the client goes away mid-request.
	durable := context.WithoutCancel(ctx)
	msg := &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Text: text, Ignored: true}
	if err := p.store.AppendMessage(durable, msg); err != nil {
		return nil, fmt.Errorf("persist ignored message: %w", err)
	}
	log.Info("flagged message persisted as ignored",
		zap.Int64("conversation_id", conv.ID),
		zap.Int64("message_id", msg.ID))
	return &models.ChatResult{ConversationID: &conv.ID, RequestMessageID: &msg.ID}, nil
}

// saveAttachments persists uploads and returns their extracted text block.
func (p *Pipeline) saveAttachments(ctx context.Context, messageID int64, files []UploadedFile) (string, error) {
	if len(files) == 0 {
		return "", nil
	}
	contents := make(map[string][]byte, len(files))
	order := make([]string, 0, len(files))
	for _, f := range files {
		att := &models.Attachment{
			MessageID:   messageID,
			Filename:    f.Filename,
			ContentType: f.ContentType,
			Content:     f.Content,
		}
		if err := p.store.AddAttachment(ctx, att); err != nil {
			return "", fmt.Errorf("persist attachment %s: %w", f.Filename, err)
		}
		contents[f.Filename] = f.Content
		order = append(order, f.Filename)
	}
	return p.extractor.ExtractAll(contents, order), nil
}

// assemblePrompt builds the final model input: base system prompt, the
// context window, the retrieved candidates, and extracted attachment text
// appended to the newest user message (prompt only, never persisted).
func (p *Pipeline) assemblePrompt(window []models.ContextMessage, matches []*retrieval.Match, attachmentText string) []models.ContextMessage {
	prompt := make([]models.ContextMessage, 0, len(window)+2)
	prompt = append(prompt, models.ContextMessage{Role: models.RoleSystem, Content: systemPrompt})
	prompt = append(prompt, window...)

	if attachmentText != "" && len(prompt) > 1 {
		last := &prompt[len(prompt)-1]
		if last.Role == models.RoleUser {
			last.Content = last.Content + "\n\n" + attachmentText
		}
	}

	if len(matches) > 0 {
		var sb strings.Builder
		sb.WriteString("Candidate books for this request. Recommend only from this list:\n")
		for _, m := range matches {
			sb.WriteString("- ")
			sb.WriteString(m.Book.Title)
			if m.Book.Author != "" {
				sb.WriteString(" by ")
				sb.WriteString(m.Book.Author)
			}
			if m.Book.Year > 0 {
				fmt.Fprintf(&sb, ", %d", m.Book.Year)
			}
			if len(m.Book.Genres) > 0 {
				sb.WriteString(" (")
				sb.WriteString(strings.Join(m.Book.Genres, ", "))
				sb.WriteString(")")
			}
			if m.Book.ShortSummary != "" {
				sb.WriteString(": ")
				sb.WriteString(m.Book.ShortSummary)
			}
			sb.WriteString("\n")
		}
		prompt = append(prompt, models.ContextMessage{Role: models.RoleSystem, Content: sb.String()})
	}
	return prompt
}

type stageUsage struct {
	model string
	usage models.TokenUsage
}

func (p *Pipeline) classifierModelUsage(result *intent.Result) stageUsage {
	return stageUsage{model: p.classifier.Model(), usage: result.Usage}
}

// recordStage appends one ledger row. A recording failure after the answer
// exists is logged loudly but does not take the answer away from the user.
func (p *Pipeline) recordStage(ctx context.Context, log *zap.Logger, messageID int64, scope models.Scope, su stageUsage) {
	if su.usage == (models.TokenUsage{}) {
		return
	}
	if _, err := p.recorder.Record(ctx, messageID, scope, su.model, su.usage); err != nil {
		log.Error("usage recording failed", zap.String("scope", string(scope)), zap.Error(err))
	}
}

// recordAdvisory attributes advisory-stage spend to the user message when the
// final stage failed and no assistant message exists.
func (p *Pipeline) recordAdvisory(ctx context.Context, log *zap.Logger, userMessageID int64, classification *intent.Result) {
	durable := context.WithoutCancel(ctx)
	p.recordStage(durable, log, userMessageID, models.ScopeIntent, p.classifierModelUsage(classification))
}

// generateTitle names a new conversation after its first message. Advisory:
// failure keeps the placeholder title.
func (p *Pipeline) generateTitle(ctx context.Context, log *zap.Logger, conversationID, replyID int64, firstMessage string) {
	msgs := []models.ContextMessage{
		{Role: models.RoleSystem, Content: titlePrompt},
		{Role: models.RoleUser, Content: firstMessage},
	}
	completion, err := p.gw.Complete(ctx, models.ScopeTitle, msgs, p.stages.Title, gateway.Options{MaxTokens: 32})
	if err != nil {
		log.Warn("title generation degraded", zap.Error(err))
		return
	}
	title := strings.TrimSpace(strings.Trim(completion.Text, `"`))
	if title == "" {
		return
	}
	if err := p.store.RenameConversation(ctx, conversationID, title); err != nil {
		log.Warn("title rename failed", zap.Error(err))
		return
	}
	p.recordStage(ctx, log, replyID, models.ScopeTitle, stageUsage{model: completion.Model, usage: completion.Usage})
}

// maybeSummarize stores a model summary on long messages so future context
// windows stay inside budget. Advisory.
func (p *Pipeline) maybeSummarize(ctx context.Context, log *zap.Logger, replyID int64, msg *models.Message, threshold int) {
	if len(msg.Text) <= threshold {
		return
	}
	msgs := []models.ContextMessage{
		{Role: models.RoleSystem, Content: summaryPrompt},
		{Role: models.RoleUser, Content: msg.Text},
	}
	completion, err := p.gw.Complete(ctx, models.ScopeSummary, msgs, p.stages.Summary, gateway.Options{MaxTokens: 128})
	if err != nil {
		log.Warn("summarization degraded", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	summary := strings.TrimSpace(completion.Text)
	if summary == "" {
		return
	}
	if err := p.store.SetMessageSummary(ctx, msg.ID, summary); err != nil {
		log.Warn("summary persist failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	p.recordStage(ctx, log, replyID, models.ScopeSummary, stageUsage{model: completion.Model, usage: completion.Usage})
}

func (p *Pipeline) transition(log *zap.Logger, s state) {
	log.Debug("pipeline state", zap.String("state", string(s)))
}
