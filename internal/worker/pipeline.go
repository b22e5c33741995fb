package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"arcanabot/internal/bot"
	"arcanabot/internal/util"
	"arcanabot/pkg/ai"
	"arcanabot/pkg/domain"
	"arcanabot/pkg/ledger"
	"arcanabot/pkg/queue"
	"arcanabot/pkg/storage"
	"arcanabot/pkg/store"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrFacetCovered      = errors.New("facet already covered")
)

// Config tunes the pipeline.
type Config struct {
	// RejectionThreshold is the minimum classifier confidence at which an
	// invalid verdict blocks the reading. Below it the photo is given the
	// benefit of the doubt.
	RejectionThreshold float64
	// RejectionDailyMax caps personalized rejection notes per user per UTC
	// day; past it a static message is used.
	RejectionDailyMax int
	// RetryAttempts bounds in-attempt retries of model calls.
	RetryAttempts int
	// RetryBase is the backoff base between those retries.
	RetryBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.RejectionThreshold == 0 {
		c.RejectionThreshold = 0.8
	}
	if c.RejectionDailyMax == 0 {
		c.RejectionDailyMax = 3
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase == 0 {
		c.RetryBase = 500 * time.Millisecond
	}
}

// Pipeline turns a queued job into a delivered reading. One call is one
// attempt; a returned error asks the queue for redelivery, a nil return is
// final whether the reading succeeded or was declined.
type Pipeline struct {
	store      store.Store
	ledger     *ledger.Ledger
	artifacts  storage.ArtifactStore
	transport  bot.Transport
	interp     ai.Interpreter
	classifier ai.Classifier
	rejection  ai.RejectionWriter
	cfg        Config
	logger     *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewPipeline(st store.Store, lg *ledger.Ledger, art storage.ArtifactStore, t bot.Transport,
	interp ai.Interpreter, classifier ai.Classifier, rejection ai.RejectionWriter, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		store:      st,
		ledger:     lg,
		artifacts:  art,
		transport:  t,
		interp:     interp,
		classifier: classifier,
		rejection:  rejection,
		cfg:        cfg,
		logger:     slog.Default().With("component", "pipeline"),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Handle is the queue handler. It sends the terminal apology only on the
// final delivery attempt so a transient failure does not spam the user.
func (p *Pipeline) Handle(ctx context.Context, job queue.Job) error {
	err := p.process(ctx, job.Payload)
	if err != nil && job.FinalAttempt() {
		if editErr := p.transport.Edit(job.Payload.ChatID, job.Payload.PlaceholderID, bot.FinalFailureMessage); editErr != nil {
			p.logger.Error("terminal notice failed", "job_id", job.ID, "error", editErr)
		}
	}
	return err
}

func (p *Pipeline) process(ctx context.Context, job domain.AnalysisJob) error {
	log := p.logger.With("identity", job.Identity, "facet", job.Facet)

	var prior domain.AnalysisRecord
	if job.Continuation() {
		var ok bool
		var err error
		prior, ok, err = p.store.GetRecord(ctx, job.PriorRecordID)
		if err != nil {
			return fmt.Errorf("load prior record: %w", err)
		}
		if !ok || prior.Identity != job.Identity ||
			prior.Status != domain.StatusCompleted || prior.Intermediate == "" {
			// declined, not an error: the session the user tapped on is gone
			p.notify(job, bot.MsgSessionExpired)
			return nil
		}
	}

	rec := domain.AnalysisRecord{
		ID:             util.NewID(),
		Identity:       job.Identity,
		Persona:        job.Persona,
		Facet:          job.Facet,
		Language:       job.Language,
		Status:         domain.StatusProcessing,
		SessionGroupID: util.NewID(),
		CreditType:     job.CreditType,
		CreatedAt:      p.now().UTC(),
	}
	if job.Continuation() {
		rec.SessionGroupID = prior.SessionGroupID
	}
	if err := p.store.CreateRecord(ctx, rec); err != nil {
		return fmt.Errorf("create record: %w", err)
	}

	intermediate, outcome, err := p.intermediateFor(ctx, job, prior, rec, log)
	if err != nil {
		p.markFailed(ctx, rec.ID, err)
		return err
	}
	if outcome != "" {
		// rejection already recorded and messaged
		return nil
	}
	if err := p.store.SetRecordIntermediate(ctx, rec.ID, intermediate.Description); err != nil {
		p.markFailed(ctx, rec.ID, err)
		return fmt.Errorf("persist intermediate: %w", err)
	}

	if job.Continuation() {
		covered, err := p.facetCovered(ctx, rec.SessionGroupID, job.Facet)
		if err != nil {
			p.markFailed(ctx, rec.ID, err)
			return err
		}
		if covered {
			p.markFailed(ctx, rec.ID, ErrFacetCovered)
			p.notify(job, bot.MsgFacetCovered)
			return nil
		}
	}

	ok, err := p.ledger.Consume(ctx, job.Identity, job.CreditType, 1)
	if err != nil {
		p.markFailed(ctx, rec.ID, err)
		return fmt.Errorf("consume credit: %w", err)
	}
	if !ok {
		// expected outcome: the balance ran out between enqueue and now
		p.markFailed(ctx, rec.ID, ErrInsufficientFunds)
		p.notify(job, bot.MsgNoCredits)
		return nil
	}

	// past this point every failure must hand the credit back
	interpretation, err := p.interpret(ctx, job, intermediate)
	if err == nil {
		if dErr := bot.Deliver(p.transport, job.ChatID, job.PlaceholderID, interpretation.Text); dErr != nil {
			err = fmt.Errorf("deliver: %w", dErr)
		}
	}
	if err != nil {
		p.compensate(ctx, job, log)
		p.markFailed(ctx, rec.ID, err)
		return err
	}

	if err := p.store.CompleteRecord(ctx, rec.ID, interpretation.Text); err != nil {
		// the user has the reading, so no refund and no redelivery. The
		// record still has to leave processing; failed disables retopic
		// for a reading that cannot prove its interpretation was stored.
		log.Error("complete record failed", "record_id", rec.ID, "error", err)
		p.markFailed(ctx, rec.ID, fmt.Errorf("complete record: %w", err))
		return nil
	}
	p.offerRetopic(ctx, job, rec)
	return nil
}

// intermediateFor produces the first-stage description, reusing the prior
// record's on a continuation. A non-empty outcome means the job ended as a
// declined reading and nothing further should run.
func (p *Pipeline) intermediateFor(ctx context.Context, job domain.AnalysisJob, prior, rec domain.AnalysisRecord, log *slog.Logger) (domain.Intermediate, domain.ReadingStatus, error) {
	if job.Continuation() {
		return domain.Intermediate{Description: prior.Intermediate}, "", nil
	}

	image, err := p.fetchArtifact(ctx, job)
	if err != nil {
		return domain.Intermediate{}, "", fmt.Errorf("fetch artifact: %w", err)
	}

	verdict, err := p.classify(ctx, image)
	if err != nil {
		return domain.Intermediate{}, "", fmt.Errorf("classify: %w", err)
	}
	if !verdict.Valid && verdict.Confidence >= p.cfg.RejectionThreshold {
		p.reject(ctx, job, rec, verdict, log)
		return domain.Intermediate{}, domain.StatusRejected, nil
	}

	var inter domain.Intermediate
	err = p.withRetry(ctx, func(ctx context.Context) error {
		var stageErr error
		inter, stageErr = p.interp.FirstStage(ctx, image)
		return stageErr
	})
	if err != nil {
		return domain.Intermediate{}, "", fmt.Errorf("first stage: %w", err)
	}
	return inter, "", nil
}

// fetchArtifact prefers the archived object and falls back to refetching
// from the transport when the archive has nothing.
func (p *Pipeline) fetchArtifact(ctx context.Context, job domain.AnalysisJob) ([]byte, error) {
	if job.ArtifactKey != "" {
		data, err := p.artifacts.Get(ctx, job.ArtifactKey)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		if err != nil {
			p.logger.Warn("artifact fetch failed, refetching from transport",
				"key", job.ArtifactKey, "error", err)
		}
	}
	if job.TelegramFileID == "" {
		return nil, errors.New("job carries no artifact")
	}
	var data []byte
	err := p.withRetry(ctx, func(context.Context) error {
		var dlErr error
		data, dlErr = p.transport.Download(job.TelegramFileID)
		return dlErr
	})
	return data, err
}

func (p *Pipeline) classify(ctx context.Context, image []byte) (domain.ValidationResult, error) {
	var verdict domain.ValidationResult
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var cErr error
		verdict, cErr = p.classifier.Classify(ctx, image)
		return cErr
	})
	return verdict, err
}

// reject records the rejection and messages the user. A personalized note is
// rate limited per day; the slot is handed back if generating the note fails
// so a failed generation does not burn the allowance.
func (p *Pipeline) reject(ctx context.Context, job domain.AnalysisJob, rec domain.AnalysisRecord, verdict domain.ValidationResult, log *slog.Logger) {
	detail := domain.ErrorDetail{
		Category:    verdict.Category,
		Confidence:  verdict.Confidence,
		Description: verdict.Description,
	}
	if err := p.store.SetRecordStatus(ctx, rec.ID, domain.StatusRejected, detail); err != nil {
		log.Error("mark rejected failed", "record_id", rec.ID, "error", err)
	}

	message := bot.FallbackRejectionMessage
	day := store.DayKey(p.now())
	acquired, err := p.store.AcquireRejectionSlot(ctx, job.Identity, day, p.cfg.RejectionDailyMax)
	if err != nil {
		log.Error("rejection slot acquire failed", "error", err)
	}
	if acquired {
		note, noteErr := p.rejection.RejectionNote(ctx, verdict, job.Language)
		if noteErr != nil || note == "" {
			log.Warn("rejection note generation failed", "error", noteErr)
			if relErr := p.store.ReleaseRejectionSlot(ctx, job.Identity, day); relErr != nil {
				log.Error("rejection slot release failed", "error", relErr)
			}
		} else {
			message = note
		}
	}
	if err := p.transport.Edit(job.ChatID, job.PlaceholderID, message); err != nil {
		log.Error("rejection notice failed", "error", err)
	}
}

func (p *Pipeline) interpret(ctx context.Context, job domain.AnalysisJob, inter domain.Intermediate) (domain.Interpretation, error) {
	var out domain.Interpretation
	err := p.withRetry(ctx, func(ctx context.Context) error {
		var sErr error
		out, sErr = p.interp.SecondStage(ctx, inter, job.Persona, job.Facet, job.Language)
		return sErr
	})
	if err != nil {
		return domain.Interpretation{}, fmt.Errorf("second stage: %w", err)
	}
	return out, nil
}

// offerRetopic invites the user to read another facet of the same palm.
// Best effort; the reading is already delivered.
func (p *Pipeline) offerRetopic(ctx context.Context, job domain.AnalysisJob, rec domain.AnalysisRecord) {
	if job.Facet == domain.FacetAll {
		return
	}
	done, err := p.store.CompletedFacets(ctx, rec.SessionGroupID)
	if err != nil {
		p.logger.Warn("completed facets lookup failed", "session", rec.SessionGroupID, "error", err)
		return
	}
	rows := bot.RetopicKeyboard(rec.ID, done)
	if len(rows) == 0 {
		return
	}
	if _, err := p.transport.SendWithKeyboard(job.ChatID, bot.MsgRetopicPrompt, rows); err != nil {
		p.logger.Warn("retopic prompt failed", "chat_id", job.ChatID, "error", err)
	}
}

// compensate hands back the consumed credit. A refund failure is logged loudly
// but never masks the original error; the job will be retried and the refund
// reconciled out of band.
func (p *Pipeline) compensate(ctx context.Context, job domain.AnalysisJob, log *slog.Logger) {
	if err := p.ledger.Refund(ctx, job.Identity, job.CreditType, 1); err != nil {
		log.Error("refund failed, credit stranded",
			"identity", job.Identity, "credit_type", job.CreditType, "error", err)
	}
}

func (p *Pipeline) facetCovered(ctx context.Context, sessionGroupID string, facet domain.Facet) (bool, error) {
	done, err := p.store.CompletedFacets(ctx, sessionGroupID)
	if err != nil {
		return false, fmt.Errorf("completed facets: %w", err)
	}
	for _, f := range done {
		if f == facet {
			return true, nil
		}
	}
	return false, nil
}

func (p *Pipeline) markFailed(ctx context.Context, recordID string, cause error) {
	var detail domain.ErrorDetail
	if cause != nil {
		detail.Error = cause.Error()
	}
	if err := p.store.SetRecordStatus(ctx, recordID, domain.StatusFailed, detail); err != nil {
		p.logger.Error("mark failed errored", "record_id", recordID, "error", err)
	}
}

func (p *Pipeline) notify(job domain.AnalysisJob, text string) {
	if err := p.transport.Edit(job.ChatID, job.PlaceholderID, text); err != nil {
		p.logger.Error("notify failed", "chat_id", job.ChatID, "error", err)
	}
}

// withRetry runs fn up to RetryAttempts times with exponential backoff and
// jitter. Context cancellation stops the loop immediately.
func (p *Pipeline) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	delay := p.cfg.RetryBase
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) + 1))
			if err := p.sleep(ctx, delay+jitter); err != nil {
				return err
			}
			delay *= 2
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
