package bot

import (
	"context"
	"testing"
	"time"

	"arcanabot/pkg/domain"
	"arcanabot/pkg/ledger"
	"arcanabot/pkg/queue"
	"arcanabot/pkg/store"
)

type fakeEnqueuer struct {
	jobs []domain.AnalysisJob
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, payload domain.AnalysisJob) (queue.Job, error) {
	if f.err != nil {
		return queue.Job{}, f.err
	}
	f.jobs = append(f.jobs, payload)
	return queue.Job{ID: "job-1", Payload: payload}, nil
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
	return f.objects[key], nil
}

func (f *fakeArtifacts) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func newTestRouter(mem *store.MemoryStore) (*Router, *fakeTransport, *fakeEnqueuer) {
	ft := &fakeTransport{}
	fq := &fakeEnqueuer{}
	lg := ledger.New(mem, nil, ledger.Options{LinkCacheTTL: time.Minute, SignupBonusCredits: 1})
	r := NewRouter(ft, mem, lg, fq, &fakeArtifacts{})
	return r, ft, fq
}

func TestStartGrantsBonusOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	r, ft, _ := newTestRouter(mem)
	defer r.Close()
	ctx := context.Background()

	r.HandleStart(ctx, 7, 70)
	r.HandleStart(ctx, 7, 70)

	bal, err := mem.Balance(ctx, 7, domain.CreditBasic)
	if err != nil || bal != 1 {
		t.Fatalf("expected balance 1 after repeated /start, got %d (%v)", bal, err)
	}
	if len(ft.sent) != 2 {
		t.Fatalf("expected 2 welcome messages, got %d", len(ft.sent))
	}
}

func TestPhotoThenSelectionEnqueuesJob(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditBasic, 1)
	r, ft, fq := newTestRouter(mem)
	defer r.Close()
	ctx := context.Background()

	r.HandlePhoto(ctx, 7, 70, "file-1", "en")
	r.HandleFacetChoice(ctx, 7, 70, 100, domain.FacetLove)
	r.HandlePersonaChoice(ctx, 7, 70, 101, domain.PersonaMystic)

	if len(fq.jobs) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(fq.jobs))
	}
	job := fq.jobs[0]
	if job.Identity != 7 || job.Facet != domain.FacetLove || job.Persona != domain.PersonaMystic {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.CreditType != domain.CreditBasic {
		t.Fatalf("single topic must bill basic credit, got %s", job.CreditType)
	}
	if job.PlaceholderID == 0 {
		t.Fatal("job must carry the placeholder message id")
	}
	if job.Continuation() {
		t.Fatal("fresh photo job must not be a continuation")
	}
	// placeholder must still be the last message the user sees
	if ft.sent[len(ft.sent)-1] != MsgPlaceholder {
		t.Fatalf("expected placeholder last, got %q", ft.sent[len(ft.sent)-1])
	}
}

func TestFullReadingBillsFullCredit(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditFull, 1)
	r, _, fq := newTestRouter(mem)
	defer r.Close()
	ctx := context.Background()

	r.HandlePhoto(ctx, 7, 70, "file-1", "en")
	r.HandleFacetChoice(ctx, 7, 70, 100, domain.FacetAll)
	r.HandlePersonaChoice(ctx, 7, 70, 101, domain.PersonaScholar)

	if len(fq.jobs) != 1 || fq.jobs[0].CreditType != domain.CreditFull {
		t.Fatalf("expected full-credit job, got %+v", fq.jobs)
	}
}

func TestSelectionWithoutFundsDoesNotEnqueue(t *testing.T) {
	mem := store.NewMemoryStore()
	r, ft, fq := newTestRouter(mem)
	defer r.Close()
	ctx := context.Background()

	r.HandlePhoto(ctx, 7, 70, "file-1", "en")
	r.HandleFacetChoice(ctx, 7, 70, 100, domain.FacetLove)
	r.HandlePersonaChoice(ctx, 7, 70, 101, domain.PersonaMystic)

	if len(fq.jobs) != 0 {
		t.Fatalf("expected no jobs without funds, got %d", len(fq.jobs))
	}
	if ft.sent[len(ft.sent)-1] != MsgNoCredits {
		t.Fatalf("expected no-credits message, got %q", ft.sent[len(ft.sent)-1])
	}
}

func TestSelectionWithoutPhoto(t *testing.T) {
	mem := store.NewMemoryStore()
	r, ft, fq := newTestRouter(mem)
	defer r.Close()

	r.HandleFacetChoice(context.Background(), 7, 70, 100, domain.FacetLove)

	if len(fq.jobs) != 0 || ft.sent[len(ft.sent)-1] != MsgSendPhotoFirst {
		t.Fatalf("expected prompt for photo, got sent=%q jobs=%d", ft.sent, len(fq.jobs))
	}
}

func seedCompletedRecord(t *testing.T, mem *store.MemoryStore, id string, identity int64, facet domain.Facet) domain.AnalysisRecord {
	t.Helper()
	ctx := context.Background()
	rec := domain.AnalysisRecord{
		ID:             id,
		Identity:       identity,
		Persona:        domain.PersonaMystic,
		Facet:          facet,
		Language:       "en",
		Status:         domain.StatusProcessing,
		SessionGroupID: "sess-" + id,
		CreditType:     domain.CreditTypeFor(facet),
		CreatedAt:      time.Now().UTC(),
	}
	if err := mem.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := mem.SetRecordIntermediate(ctx, id, "a long palm description"); err != nil {
		t.Fatalf("set intermediate: %v", err)
	}
	if err := mem.CompleteRecord(ctx, id, "the reading text"); err != nil {
		t.Fatalf("complete record: %v", err)
	}
	rec.Status = domain.StatusCompleted
	rec.Intermediate = "a long palm description"
	return rec
}

func TestRetopicEnqueuesContinuation(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditBasic, 1)
	prior := seedCompletedRecord(t, mem, "rec-1", 7, domain.FacetLove)
	r, _, fq := newTestRouter(mem)
	defer r.Close()

	r.HandleRetopic(context.Background(), 7, 70, 100, prior.ID, domain.FacetCareer)

	if len(fq.jobs) != 1 {
		t.Fatalf("expected 1 continuation job, got %d", len(fq.jobs))
	}
	job := fq.jobs[0]
	if !job.Continuation() || job.PriorRecordID != prior.ID {
		t.Fatalf("expected continuation of %s, got %+v", prior.ID, job)
	}
	if job.Persona != prior.Persona || job.Language != prior.Language {
		t.Fatalf("continuation must inherit persona and language, got %+v", job)
	}
}

func TestRetopicRejectsCoveredFacet(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditBasic, 5)
	prior := seedCompletedRecord(t, mem, "rec-1", 7, domain.FacetLove)
	r, ft, fq := newTestRouter(mem)
	defer r.Close()

	r.HandleRetopic(context.Background(), 7, 70, 100, prior.ID, domain.FacetLove)

	if len(fq.jobs) != 0 {
		t.Fatalf("expected no job for covered facet, got %d", len(fq.jobs))
	}
	if ft.sent[len(ft.sent)-1] != MsgFacetCovered {
		t.Fatalf("expected covered-facet message, got %q", ft.sent[len(ft.sent)-1])
	}
}

func TestRetopicExclusivityBeforeFunds(t *testing.T) {
	// a covered facet must be reported even when the user also has no
	// credits; the topic check runs first
	mem := store.NewMemoryStore()
	prior := seedCompletedRecord(t, mem, "rec-1", 7, domain.FacetLove)
	r, ft, _ := newTestRouter(mem)
	defer r.Close()

	r.HandleRetopic(context.Background(), 7, 70, 100, prior.ID, domain.FacetLove)

	if ft.sent[len(ft.sent)-1] != MsgFacetCovered {
		t.Fatalf("expected covered-facet before funds check, got %q", ft.sent[len(ft.sent)-1])
	}
}

func TestRetopicExpiredSession(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(7, domain.CreditBasic, 1)
	r, ft, fq := newTestRouter(mem)
	defer r.Close()

	r.HandleRetopic(context.Background(), 7, 70, 100, "gone", domain.FacetCareer)

	if len(fq.jobs) != 0 || ft.sent[len(ft.sent)-1] != MsgSessionExpired {
		t.Fatalf("expected session-expired, got sent=%q jobs=%d", ft.sent, len(fq.jobs))
	}
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

func TestPhotoRateLimited(t *testing.T) {
	mem := store.NewMemoryStore()
	r, ft, _ := newTestRouter(mem)
	r.WithLimiter(denyAllLimiter{})
	defer r.Close()

	r.HandlePhoto(context.Background(), 7, 70, "file-1", "en")

	if ft.sent[len(ft.sent)-1] != MsgTooFast {
		t.Fatalf("expected throttle message, got %q", ft.sent[len(ft.sent)-1])
	}
	if _, pending := r.pending.Get(7); pending {
		t.Fatal("throttled photo must not be remembered")
	}
}

func TestRetopicForeignRecordLooksExpired(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetBalance(8, domain.CreditBasic, 1)
	prior := seedCompletedRecord(t, mem, "rec-1", 7, domain.FacetLove)
	r, ft, fq := newTestRouter(mem)
	defer r.Close()

	r.HandleRetopic(context.Background(), 8, 80, 100, prior.ID, domain.FacetCareer)

	if len(fq.jobs) != 0 || ft.sent[len(ft.sent)-1] != MsgSessionExpired {
		t.Fatalf("foreign record must look expired, got sent=%q jobs=%d", ft.sent, len(fq.jobs))
	}
}
