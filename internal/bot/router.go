package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"arcanabot/internal/ttlcache"
	"arcanabot/internal/util"
	"arcanabot/pkg/domain"
	"arcanabot/pkg/ledger"
	"arcanabot/pkg/queue"
	"arcanabot/pkg/storage"
	"arcanabot/pkg/store"
)

// Enqueuer is the queue surface the router needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload domain.AnalysisJob) (queue.Job, error)
}

// Limiter throttles photo submissions per user. A nil limiter allows
// everything.
type Limiter interface {
	Allow(key string) bool
}

// pendingSelection tracks a photo upload that has not been turned into a job
// yet: the user still owes us a facet and a persona.
type pendingSelection struct {
	FileID   string
	Facet    domain.Facet
	Language string
}

// Router drives the conversational flow: photo in, facet and persona picked,
// funds checked, job enqueued. It never consumes credits itself; debits
// happen in the worker so a crashed enqueue cannot strand a charge.
type Router struct {
	transport Transport
	store     store.Store
	ledger    *ledger.Ledger
	queue     Enqueuer
	artifacts storage.ArtifactStore
	limiter   Limiter
	pending   *ttlcache.Cache[int64, pendingSelection]
	logger    *slog.Logger
}

func NewRouter(t Transport, st store.Store, lg *ledger.Ledger, q Enqueuer, art storage.ArtifactStore) *Router {
	return &Router{
		transport: t,
		store:     st,
		ledger:    lg,
		queue:     q,
		artifacts: art,
		pending:   ttlcache.New[int64, pendingSelection](15*time.Minute, 4096),
		logger:    slog.Default().With("component", "router"),
	}
}

// WithLimiter throttles photo submissions per user.
func (r *Router) WithLimiter(l Limiter) *Router {
	r.limiter = l
	return r
}

func (r *Router) Close() { r.pending.Close() }

// Run consumes updates until ctx is cancelled.
func (r *Router) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			r.dispatch(ctx, update)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		r.handleCallback(ctx, update.CallbackQuery)
	case update.Message == nil || update.Message.From == nil:
		return
	case update.Message.IsCommand():
		r.handleCommand(ctx, update.Message)
	case len(update.Message.Photo) > 0:
		r.HandlePhoto(ctx, update.Message.From.ID, update.Message.Chat.ID,
			largestPhoto(update.Message.Photo), update.Message.From.LanguageCode)
	}
}

func (r *Router) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		r.HandleStart(ctx, msg.From.ID, msg.Chat.ID)
	case "balance":
		r.HandleBalance(ctx, msg.From.ID, msg.Chat.ID)
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	r.transport.AckCallback(cb.ID)
	if cb.Message == nil || cb.From == nil {
		return
	}
	identity, chatID := cb.From.ID, cb.Message.Chat.ID
	if facet, ok := ParseFacet(cb.Data); ok {
		r.HandleFacetChoice(ctx, identity, chatID, cb.Message.MessageID, facet)
		return
	}
	if persona, ok := ParsePersona(cb.Data); ok {
		r.HandlePersonaChoice(ctx, identity, chatID, cb.Message.MessageID, persona)
		return
	}
	if recordID, facet, ok := ParseRetopic(cb.Data); ok {
		r.HandleRetopic(ctx, identity, chatID, cb.Message.MessageID, recordID, facet)
	}
}

// HandleStart greets the user and applies the one-time signup bonus.
func (r *Router) HandleStart(ctx context.Context, identity, chatID int64) {
	res, err := r.ledger.GrantSignupBonus(ctx, identity)
	if err != nil {
		r.logger.Error("signup bonus grant failed", "identity", identity, "error", err)
	}
	text := MsgWelcome
	if res.Granted {
		text += "\n\n" + MsgBonusGranted
	}
	if _, err := r.transport.Send(chatID, text); err != nil {
		r.logger.Error("send welcome failed", "chat_id", chatID, "error", err)
	}
}

func (r *Router) HandleBalance(ctx context.Context, identity, chatID int64) {
	basic, err := r.ledger.Balance(ctx, identity, domain.CreditBasic)
	if err != nil {
		r.logger.Error("balance lookup failed", "identity", identity, "error", err)
		_, _ = r.transport.Send(chatID, MsgSomethingWrong)
		return
	}
	full, err := r.ledger.Balance(ctx, identity, domain.CreditFull)
	if err != nil {
		r.logger.Error("balance lookup failed", "identity", identity, "error", err)
		_, _ = r.transport.Send(chatID, MsgSomethingWrong)
		return
	}
	_, _ = r.transport.Send(chatID, formatBalance(basic, full))
}

// HandlePhoto remembers the upload and asks for a topic. Nothing is stored or
// charged until the user completes the selection.
func (r *Router) HandlePhoto(ctx context.Context, identity, chatID int64, fileID, language string) {
	if r.limiter != nil && !r.limiter.Allow(fmt.Sprintf("photo:%d", identity)) {
		_, _ = r.transport.Send(chatID, MsgTooFast)
		return
	}
	r.pending.Set(identity, pendingSelection{FileID: fileID, Language: language})
	if _, err := r.transport.SendWithKeyboard(chatID, MsgPickFacet, FacetKeyboard()); err != nil {
		r.logger.Error("send facet keyboard failed", "chat_id", chatID, "error", err)
	}
}

func (r *Router) HandleFacetChoice(ctx context.Context, identity, chatID int64, messageID int, facet domain.Facet) {
	sel, ok := r.pending.Get(identity)
	if !ok {
		_, _ = r.transport.Send(chatID, MsgSendPhotoFirst)
		return
	}
	sel.Facet = facet
	r.pending.Set(identity, sel)
	_ = r.transport.RemoveKeyboard(chatID, messageID)
	if _, err := r.transport.SendWithKeyboard(chatID, MsgPickPersona, PersonaKeyboard()); err != nil {
		r.logger.Error("send persona keyboard failed", "chat_id", chatID, "error", err)
	}
}

// HandlePersonaChoice completes the selection: funds are checked, the photo
// archived, and the job enqueued. The keyboard is disabled before the funds
// check so a double tap cannot race two jobs.
func (r *Router) HandlePersonaChoice(ctx context.Context, identity, chatID int64, messageID int, persona domain.Persona) {
	sel, ok := r.pending.Get(identity)
	if !ok || sel.Facet == "" {
		_, _ = r.transport.Send(chatID, MsgSendPhotoFirst)
		return
	}
	_ = r.transport.RemoveKeyboard(chatID, messageID)

	creditType := domain.CreditTypeFor(sel.Facet)
	enough, err := r.ledger.HasBalance(ctx, identity, creditType, 1)
	if err != nil {
		r.logger.Error("funds check failed", "identity", identity, "error", err)
		_, _ = r.transport.Send(chatID, MsgSomethingWrong)
		return
	}
	if !enough {
		_, _ = r.transport.Send(chatID, MsgNoCredits)
		return
	}

	r.transport.Typing(chatID)
	key, err := r.archivePhoto(ctx, identity, sel.FileID)
	if err != nil {
		// the worker can refetch from the transport by file id
		r.logger.Warn("photo archive failed, falling back to transport fetch",
			"identity", identity, "error", err)
		key = ""
	}

	placeholderID, err := r.transport.Send(chatID, MsgPlaceholder)
	if err != nil {
		r.logger.Error("send placeholder failed", "chat_id", chatID, "error", err)
		return
	}

	job := domain.AnalysisJob{
		Identity:       identity,
		ChatID:         chatID,
		PlaceholderID:  placeholderID,
		ArtifactKey:    key,
		TelegramFileID: sel.FileID,
		Facet:          sel.Facet,
		Persona:        persona,
		Language:       sel.Language,
		CreditType:     creditType,
		EnqueuedAt:     time.Now().UTC(),
	}
	if _, err := r.queue.Enqueue(ctx, job); err != nil {
		r.logger.Error("enqueue failed", "identity", identity, "error", err)
		_ = r.transport.Edit(chatID, placeholderID, MsgSomethingWrong)
		return
	}
	r.pending.Delete(identity)
}

// HandleRetopic starts a continuation over an earlier reading. Order matters:
// the keyboard is disabled first, then the session and topic are checked,
// then funds, and only then is the job enqueued.
func (r *Router) HandleRetopic(ctx context.Context, identity, chatID int64, messageID int, recordID string, facet domain.Facet) {
	_ = r.transport.RemoveKeyboard(chatID, messageID)

	prior, found, err := r.store.GetRecord(ctx, recordID)
	if err != nil {
		r.logger.Error("record lookup failed", "record_id", recordID, "error", err)
		_, _ = r.transport.Send(chatID, MsgSomethingWrong)
		return
	}
	if !found || prior.Identity != identity ||
		prior.Status != domain.StatusCompleted || prior.Intermediate == "" {
		_, _ = r.transport.Send(chatID, MsgSessionExpired)
		return
	}

	done, err := r.store.CompletedFacets(ctx, prior.SessionGroupID)
	if err != nil {
		r.logger.Error("facet lookup failed", "session", prior.SessionGroupID, "error", err)
		_, _ = r.transport.Send(chatID, MsgSomethingWrong)
		return
	}
	for _, f := range done {
		if f == facet {
			_, _ = r.transport.Send(chatID, MsgFacetCovered)
			return
		}
	}

	creditType := domain.CreditTypeFor(facet)
	enough, err := r.ledger.HasBalance(ctx, identity, creditType, 1)
	if err != nil {
		r.logger.Error("funds check failed", "identity", identity, "error", err)
		_, _ = r.transport.Send(chatID, MsgSomethingWrong)
		return
	}
	if !enough {
		_, _ = r.transport.Send(chatID, MsgNoCredits)
		return
	}

	placeholderID, err := r.transport.Send(chatID, MsgPlaceholder)
	if err != nil {
		r.logger.Error("send placeholder failed", "chat_id", chatID, "error", err)
		return
	}
	job := domain.AnalysisJob{
		Identity:      identity,
		ChatID:        chatID,
		PlaceholderID: placeholderID,
		Facet:         facet,
		Persona:       prior.Persona,
		Language:      prior.Language,
		CreditType:    creditType,
		PriorRecordID: prior.ID,
		EnqueuedAt:    time.Now().UTC(),
	}
	if _, err := r.queue.Enqueue(ctx, job); err != nil {
		r.logger.Error("enqueue failed", "identity", identity, "error", err)
		_ = r.transport.Edit(chatID, placeholderID, MsgSomethingWrong)
	}
}

func (r *Router) archivePhoto(ctx context.Context, identity int64, fileID string) (string, error) {
	data, err := r.transport.Download(fileID)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("artifacts/%d/%s.jpg", identity, util.NewID())
	if err := r.artifacts.Put(ctx, key, data, "image/jpeg"); err != nil {
		return "", err
	}
	return key, nil
}

func largestPhoto(sizes []tgbotapi.PhotoSize) string {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best.FileID
}
