package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"arcanabot/internal/bot"
	"arcanabot/pkg/domain"
	"arcanabot/pkg/ledger"
	"arcanabot/pkg/queue"
	"arcanabot/pkg/store"
)

type fakeTransport struct {
	sent      []string
	keyboards [][][]bot.Button
	edits     []string
	deleted   []int
	files     map[string][]byte
	nextMsgID int
}

func (f *fakeTransport) Send(chatID int64, text string) (int, error) {
	f.sent = append(f.sent, text)
	f.nextMsgID++
	return f.nextMsgID, nil
}

func (f *fakeTransport) SendWithKeyboard(chatID int64, text string, rows [][]bot.Button) (int, error) {
	f.keyboards = append(f.keyboards, rows)
	return f.Send(chatID, text)
}

func (f *fakeTransport) Edit(chatID int64, messageID int, text string) error {
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) Delete(chatID int64, messageID int) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTransport) RemoveKeyboard(chatID int64, messageID int) error { return nil }
func (f *fakeTransport) AckCallback(callbackID string)                    {}
func (f *fakeTransport) Typing(chatID int64)                              {}

func (f *fakeTransport) Download(fileID string) ([]byte, error) {
	data, ok := f.files[fileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (f *fakeTransport) lastEdit() string {
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

type fakeArtifacts struct {
	objects map[string][]byte
}

func (f *fakeArtifacts) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = data
	return nil
}

func (f *fakeArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

func (f *fakeArtifacts) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

type fakeAI struct {
	verdict domain.ValidationResult

	classifyCalls int
	firstCalls    int
	secondCalls   int
	noteCalls     int

	firstErr  error
	secondErr error
	noteErr   error

	reading string
	note    string
}

func (f *fakeAI) Classify(_ context.Context, _ []byte) (domain.ValidationResult, error) {
	f.classifyCalls++
	return f.verdict, nil
}

func (f *fakeAI) FirstStage(_ context.Context, _ []byte) (domain.Intermediate, error) {
	f.firstCalls++
	if f.firstErr != nil {
		return domain.Intermediate{}, f.firstErr
	}
	return domain.Intermediate{Description: "long palm description"}, nil
}

func (f *fakeAI) SecondStage(_ context.Context, inter domain.Intermediate, _ domain.Persona, facet domain.Facet, _ string) (domain.Interpretation, error) {
	f.secondCalls++
	if f.secondErr != nil {
		return domain.Interpretation{}, f.secondErr
	}
	if f.reading != "" {
		return domain.Interpretation{Text: f.reading}, nil
	}
	return domain.Interpretation{Text: "a reading about " + string(facet) + " from: " + inter.Description}, nil
}

func (f *fakeAI) RejectionNote(_ context.Context, verdict domain.ValidationResult, _ string) (string, error) {
	f.noteCalls++
	if f.noteErr != nil {
		return "", f.noteErr
	}
	if f.note != "" {
		return f.note, nil
	}
	return "no palm here, that looks like " + verdict.Category, nil
}

type env struct {
	mem  *store.MemoryStore
	ft   *fakeTransport
	fa   *fakeAI
	pipe *Pipeline
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	mem := store.NewMemoryStore()
	ft := &fakeTransport{files: map[string][]byte{"file-1": []byte("jpegbytes")}}
	fa := &fakeAI{verdict: domain.ValidationResult{Valid: true, Confidence: 0.95}}
	lg := ledger.New(mem, nil, ledger.Options{LinkCacheTTL: time.Minute, SignupBonusCredits: 1})
	art := &fakeArtifacts{objects: map[string][]byte{"artifacts/7/a.jpg": []byte("jpegbytes")}}
	p := NewPipeline(mem, lg, art, ft, fa, fa, fa, cfg)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return &env{mem: mem, ft: ft, fa: fa, pipe: p}
}

func freshJob() domain.AnalysisJob {
	return domain.AnalysisJob{
		Identity:       7,
		ChatID:         70,
		PlaceholderID:  42,
		ArtifactKey:    "artifacts/7/a.jpg",
		TelegramFileID: "file-1",
		Facet:          domain.FacetLove,
		Persona:        domain.PersonaMystic,
		Language:       "en",
		CreditType:     domain.CreditBasic,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func (e *env) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := e.mem.Balance(context.Background(), 7, domain.CreditBasic)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestCompletedReadingConsumesOneCredit(t *testing.T) {
	e := newEnv(t, Config{})
	e.mem.SetBalance(7, domain.CreditBasic, 1)

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := e.balance(t); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
	// short reading edits the placeholder in place
	if len(e.ft.edits) != 1 || !strings.Contains(e.ft.edits[0], "a reading about love") {
		t.Fatalf("expected placeholder edit with reading, got %q", e.ft.edits)
	}
	// retopic offer covers the five remaining facets
	if len(e.ft.keyboards) != 1 {
		t.Fatalf("expected one retopic keyboard, got %d", len(e.ft.keyboards))
	}
	var buttons int
	for _, row := range e.ft.keyboards[0] {
		buttons += len(row)
	}
	if buttons != len(domain.TopicFacets)-1 {
		t.Fatalf("expected %d remaining facets, got %d", len(domain.TopicFacets)-1, buttons)
	}
}

func TestFullReadingSkipsRetopic(t *testing.T) {
	e := newEnv(t, Config{})
	e.mem.SetBalance(7, domain.CreditFull, 1)
	job := freshJob()
	job.Facet = domain.FacetAll
	job.CreditType = domain.CreditFull

	if err := e.pipe.process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(e.ft.keyboards) != 0 {
		t.Fatal("full reading must not offer retopic")
	}
}

func TestInvalidAtThresholdRejects(t *testing.T) {
	e := newEnv(t, Config{RejectionThreshold: 0.8})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	e.fa.verdict = domain.ValidationResult{Valid: false, Category: "cat photo", Confidence: 0.80}

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("rejection is not an error: %v", err)
	}
	if got := e.balance(t); got != 1 {
		t.Fatalf("rejection must not touch credits, balance %d", got)
	}
	if e.fa.firstCalls != 0 {
		t.Fatal("rejected photo must not reach the first stage")
	}
	if !strings.Contains(e.ft.lastEdit(), "cat photo") {
		t.Fatalf("expected personalized rejection, got %q", e.ft.lastEdit())
	}
}

func TestInvalidBelowThresholdProceeds(t *testing.T) {
	e := newEnv(t, Config{RejectionThreshold: 0.8})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	e.fa.verdict = domain.ValidationResult{Valid: false, Category: "unclear", Confidence: 0.79}

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if e.fa.firstCalls == 0 {
		t.Fatal("low-confidence invalid verdict must get the benefit of the doubt")
	}
	if got := e.balance(t); got != 0 {
		t.Fatalf("completed reading must consume the credit, balance %d", got)
	}
}

func TestValidLowConfidenceProceeds(t *testing.T) {
	e := newEnv(t, Config{RejectionThreshold: 0.8})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	e.fa.verdict = domain.ValidationResult{Valid: true, Confidence: 0.1}

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if e.fa.firstCalls == 0 {
		t.Fatal("valid verdict must proceed regardless of confidence")
	}
}

func TestRejectionPersonalizationRateLimited(t *testing.T) {
	e := newEnv(t, Config{RejectionDailyMax: 1})
	e.fa.verdict = domain.ValidationResult{Valid: false, Category: "landscape", Confidence: 0.99}

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if e.fa.noteCalls != 1 {
		t.Fatalf("expected 1 personalized note, got %d", e.fa.noteCalls)
	}

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if e.fa.noteCalls != 1 {
		t.Fatal("over the daily ceiling the writer must not be called")
	}
	if e.ft.lastEdit() != bot.FallbackRejectionMessage {
		t.Fatalf("expected static fallback, got %q", e.ft.lastEdit())
	}
}

func TestFailedNoteGenerationReleasesSlot(t *testing.T) {
	e := newEnv(t, Config{RejectionDailyMax: 1})
	e.fa.verdict = domain.ValidationResult{Valid: false, Category: "landscape", Confidence: 0.99}
	e.fa.noteErr = errors.New("model unavailable")

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if e.ft.lastEdit() != bot.FallbackRejectionMessage {
		t.Fatalf("expected static fallback after note failure, got %q", e.ft.lastEdit())
	}

	// the failed generation handed the slot back: the next rejection may
	// personalize again
	e.fa.noteErr = nil
	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if e.fa.noteCalls != 2 {
		t.Fatalf("expected slot back after failed generation, noteCalls=%d", e.fa.noteCalls)
	}
	if !strings.Contains(e.ft.lastEdit(), "landscape") {
		t.Fatalf("expected personalized note, got %q", e.ft.lastEdit())
	}
}

func TestInsufficientFundsDeclinesWithoutError(t *testing.T) {
	e := newEnv(t, Config{})

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("running dry is not a redeliverable error: %v", err)
	}
	if e.ft.lastEdit() != bot.MsgNoCredits {
		t.Fatalf("expected no-credits notice, got %q", e.ft.lastEdit())
	}
}

func TestSecondStageFailureRefunds(t *testing.T) {
	e := newEnv(t, Config{RetryAttempts: 2})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	e.fa.secondErr = errors.New("model overloaded")

	err := e.pipe.process(context.Background(), freshJob())
	if err == nil {
		t.Fatal("expected error for redelivery")
	}
	if got := e.balance(t); got != 1 {
		t.Fatalf("debit must be compensated, balance %d", got)
	}
	if e.fa.secondCalls != 2 {
		t.Fatalf("expected bounded retries, got %d calls", e.fa.secondCalls)
	}
}

func TestFirstStageFailureLeavesBalanceUntouched(t *testing.T) {
	e := newEnv(t, Config{RetryAttempts: 2})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	e.fa.firstErr = errors.New("model overloaded")

	err := e.pipe.process(context.Background(), freshJob())
	if err == nil {
		t.Fatal("expected error for redelivery")
	}
	// nothing was consumed, so nothing may be refunded
	if got := e.balance(t); got != 1 {
		t.Fatalf("expected untouched balance 1, got %d", got)
	}
}

type refundFailStore struct {
	store.Store
}

func (s *refundFailStore) Refund(context.Context, int64, domain.CreditType, int64) error {
	return errors.New("ledger write failed")
}

func TestRefundFailureDoesNotMaskCause(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditBasic, 1)
	ft := &fakeTransport{files: map[string][]byte{"file-1": []byte("jpegbytes")}}
	fa := &fakeAI{
		verdict:   domain.ValidationResult{Valid: true, Confidence: 0.95},
		secondErr: errors.New("model overloaded"),
	}
	lg := ledger.New(&refundFailStore{Store: mem}, nil, ledger.Options{LinkCacheTTL: time.Minute})
	art := &fakeArtifacts{objects: map[string][]byte{"artifacts/7/a.jpg": []byte("jpegbytes")}}
	p := NewPipeline(mem, lg, art, ft, fa, fa, fa, Config{RetryAttempts: 1})
	p.sleep = func(context.Context, time.Duration) error { return nil }

	err := p.process(context.Background(), freshJob())
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("refund failure must not mask the cause, got %v", err)
	}
}

// captureStore remembers the ID of the last record created through it and can
// fail the completion write.
type captureStore struct {
	store.Store
	lastRecordID string
	completeErr  error
}

func (s *captureStore) CreateRecord(ctx context.Context, rec domain.AnalysisRecord) error {
	s.lastRecordID = rec.ID
	return s.Store.CreateRecord(ctx, rec)
}

func (s *captureStore) CompleteRecord(ctx context.Context, id string, interpretation string) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	return s.Store.CompleteRecord(ctx, id, interpretation)
}

func TestCompletionWriteFailureEndsRecordFailed(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditBasic, 1)
	cs := &captureStore{Store: mem, completeErr: errors.New("connection reset")}
	ft := &fakeTransport{files: map[string][]byte{"file-1": []byte("jpegbytes")}}
	fa := &fakeAI{verdict: domain.ValidationResult{Valid: true, Confidence: 0.95}}
	lg := ledger.New(mem, nil, ledger.Options{LinkCacheTTL: time.Minute})
	art := &fakeArtifacts{objects: map[string][]byte{"artifacts/7/a.jpg": []byte("jpegbytes")}}
	p := NewPipeline(cs, lg, art, ft, fa, fa, fa, Config{})
	p.sleep = func(context.Context, time.Duration) error { return nil }

	// the reading was delivered, so the job must not requeue
	if err := p.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	rec, ok, err := mem.GetRecord(context.Background(), cs.lastRecordID)
	if err != nil || !ok {
		t.Fatalf("record %q not found: %v", cs.lastRecordID, err)
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("record must leave processing, got %q", rec.Status)
	}
	if !strings.Contains(rec.ErrorDetail.Error, "connection reset") {
		t.Fatalf("expected completion error in detail, got %+v", rec.ErrorDetail)
	}
	// the user has the reading, so the debit stands
	if bal, _ := mem.Balance(context.Background(), 7, domain.CreditBasic); bal != 0 {
		t.Fatalf("expected consumed balance 0, got %d", bal)
	}
}

func TestRejectionPersistsVerdict(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditBasic, 1)
	cs := &captureStore{Store: mem}
	ft := &fakeTransport{files: map[string][]byte{"file-1": []byte("jpegbytes")}}
	fa := &fakeAI{verdict: domain.ValidationResult{
		Valid:       false,
		Category:    "cat photo",
		Confidence:  0.93,
		Description: "a cat curled up on a rug",
	}}
	lg := ledger.New(mem, nil, ledger.Options{LinkCacheTTL: time.Minute})
	art := &fakeArtifacts{objects: map[string][]byte{"artifacts/7/a.jpg": []byte("jpegbytes")}}
	p := NewPipeline(cs, lg, art, ft, fa, fa, fa, Config{})
	p.sleep = func(context.Context, time.Duration) error { return nil }

	if err := p.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	rec, ok, err := mem.GetRecord(context.Background(), cs.lastRecordID)
	if err != nil || !ok {
		t.Fatalf("record %q not found: %v", cs.lastRecordID, err)
	}
	if rec.Status != domain.StatusRejected {
		t.Fatalf("expected rejected record, got %q", rec.Status)
	}
	want := domain.ErrorDetail{Category: "cat photo", Confidence: 0.93, Description: "a cat curled up on a rug"}
	if rec.ErrorDetail != want {
		t.Fatalf("expected full verdict persisted, got %+v", rec.ErrorDetail)
	}
}

func seedPrior(t *testing.T, mem *store.MemoryStore) domain.AnalysisRecord {
	t.Helper()
	ctx := context.Background()
	rec := domain.AnalysisRecord{
		ID:             "prior-1",
		Identity:       7,
		Persona:        domain.PersonaMystic,
		Facet:          domain.FacetLove,
		Language:       "en",
		Status:         domain.StatusProcessing,
		SessionGroupID: "sess-1",
		CreditType:     domain.CreditBasic,
		CreatedAt:      time.Now().UTC(),
	}
	if err := mem.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("create prior: %v", err)
	}
	if err := mem.SetRecordIntermediate(ctx, rec.ID, "cached description"); err != nil {
		t.Fatalf("set intermediate: %v", err)
	}
	if err := mem.CompleteRecord(ctx, rec.ID, "the love reading"); err != nil {
		t.Fatalf("complete prior: %v", err)
	}
	return rec
}

func continuationJob(priorID string, facet domain.Facet) domain.AnalysisJob {
	job := freshJob()
	job.ArtifactKey = ""
	job.TelegramFileID = ""
	job.Facet = facet
	job.PriorRecordID = priorID
	return job
}

func TestContinuationReusesCachedIntermediate(t *testing.T) {
	e := newEnv(t, Config{})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	prior := seedPrior(t, e.mem)

	if err := e.pipe.process(context.Background(), continuationJob(prior.ID, domain.FacetCareer)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if e.fa.classifyCalls != 0 || e.fa.firstCalls != 0 {
		t.Fatalf("continuation must skip vision and validation, classify=%d first=%d",
			e.fa.classifyCalls, e.fa.firstCalls)
	}
	if !strings.Contains(e.ft.lastEdit(), "cached description") {
		t.Fatalf("expected reading from cached intermediate, got %q", e.ft.lastEdit())
	}
	if got := e.balance(t); got != 0 {
		t.Fatalf("continuation still costs a credit, balance %d", got)
	}

	// the new record joins the prior session
	done, err := e.mem.CompletedFacets(context.Background(), prior.SessionGroupID)
	if err != nil {
		t.Fatalf("completed facets: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("expected love and career completed in session, got %v", done)
	}
}

func TestContinuationCoveredFacetDeclines(t *testing.T) {
	e := newEnv(t, Config{})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	prior := seedPrior(t, e.mem)

	if err := e.pipe.process(context.Background(), continuationJob(prior.ID, domain.FacetLove)); err != nil {
		t.Fatalf("covered facet is not a redeliverable error: %v", err)
	}
	if got := e.balance(t); got != 1 {
		t.Fatalf("covered facet must not consume, balance %d", got)
	}
	if e.ft.lastEdit() != bot.MsgFacetCovered {
		t.Fatalf("expected covered notice, got %q", e.ft.lastEdit())
	}
}

func TestContinuationExpiredSessionDeclines(t *testing.T) {
	e := newEnv(t, Config{})
	e.mem.SetBalance(7, domain.CreditBasic, 1)

	if err := e.pipe.process(context.Background(), continuationJob("gone", domain.FacetCareer)); err != nil {
		t.Fatalf("expired session is not a redeliverable error: %v", err)
	}
	if got := e.balance(t); got != 1 {
		t.Fatalf("expired session must not consume, balance %d", got)
	}
	if e.ft.lastEdit() != bot.MsgSessionExpired {
		t.Fatalf("expected expired notice, got %q", e.ft.lastEdit())
	}
}

func TestArtifactFallbackToTransport(t *testing.T) {
	e := newEnv(t, Config{})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	job := freshJob()
	job.ArtifactKey = "artifacts/7/missing.jpg"

	if err := e.pipe.process(context.Background(), job); err != nil {
		t.Fatalf("process with transport fallback: %v", err)
	}
	if len(e.ft.edits) == 0 {
		t.Fatal("expected delivered reading via fallback fetch")
	}
}

func TestTerminalNoticeOnlyOnFinalAttempt(t *testing.T) {
	e := newEnv(t, Config{RetryAttempts: 1})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	e.fa.secondErr = errors.New("model overloaded")

	job := queue.Job{ID: "j1", Payload: freshJob(), Attempts: 1, MaxAttempts: 3}
	if err := e.pipe.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error for redelivery")
	}
	for _, edit := range e.ft.edits {
		if edit == bot.FinalFailureMessage {
			t.Fatal("terminal notice sent before the final attempt")
		}
	}

	job.Attempts = 3
	if err := e.pipe.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error on final attempt too")
	}
	if e.ft.lastEdit() != bot.FinalFailureMessage {
		t.Fatalf("expected terminal notice on final attempt, got %q", e.ft.lastEdit())
	}
}

func TestLongReadingSplitsAcrossMessages(t *testing.T) {
	e := newEnv(t, Config{})
	e.mem.SetBalance(7, domain.CreditBasic, 1)
	e.fa.reading = strings.Repeat("a paragraph of destiny\n\n", 500)

	if err := e.pipe.process(context.Background(), freshJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(e.ft.deleted) != 1 {
		t.Fatalf("long reading must delete the placeholder, got %v", e.ft.deleted)
	}
	var rebuilt strings.Builder
	for _, msg := range e.ft.sent {
		if msg == bot.MsgRetopicPrompt {
			continue
		}
		rebuilt.WriteString(msg)
	}
	if rebuilt.String() != e.fa.reading {
		t.Fatal("sent chunks do not reconstruct the reading")
	}
}
