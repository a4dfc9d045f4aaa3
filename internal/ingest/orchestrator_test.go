package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/labportal/labportal/internal/domain/patient"
	"github.com/labportal/labportal/internal/domain/result"
	"github.com/labportal/labportal/internal/domain/upload"
	"github.com/labportal/labportal/internal/platform/blobstore"
	"github.com/labportal/labportal/internal/platform/db"
)

// =========== In-memory stores ===========

type memPatients struct {
	mu      sync.Mutex
	byEmail map[string]*patient.Patient
	creates int
}

func newMemPatients() *memPatients {
	return &memPatients{byEmail: make(map[string]*patient.Patient)}
}

func (m *memPatients) FindByEmail(_ context.Context, email string) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byEmail[email]; ok {
		return p, nil
	}
	return nil, db.ErrNotFound
}

func (m *memPatients) Create(_ context.Context, p *patient.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[p.Email]; ok {
		return patient.ErrEmailTaken
	}
	p.ID = uuid.New()
	m.byEmail[p.Email] = p
	m.creates++
	return nil
}

func (m *memPatients) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byEmail {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memPatients) ListByOrganization(context.Context, uuid.UUID, int, int) ([]*patient.Summary, int, error) {
	return nil, 0, nil
}

type memResults struct {
	mu      sync.Mutex
	rows    []*result.TestResult
	failFor map[string]bool // item names whose insert fails
}

func (m *memResults) Insert(_ context.Context, tr *result.TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range tr.Items {
		if m.failFor[name] {
			return errors.New("insert test_result: connection reset")
		}
	}
	cp := *tr
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memResults) GetByID(context.Context, uuid.UUID) (*result.Detail, error) {
	return nil, db.ErrNotFound
}

func (m *memResults) ListByPatient(context.Context, uuid.UUID, int, int) ([]*result.Summary, int, error) {
	return nil, 0, nil
}

func (m *memResults) ListByOrganization(context.Context, uuid.UUID, int, int) ([]*result.StaffSummary, int, error) {
	return nil, 0, nil
}

func (m *memResults) StatsByOrganization(context.Context, uuid.UUID) (*result.OrganizationStats, error) {
	return &result.OrganizationStats{}, nil
}

func (m *memResults) all() []*result.TestResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*result.TestResult(nil), m.rows...)
}

type memBatches struct {
	mu          sync.Mutex
	store       map[uuid.UUID]*upload.Batch
	createErr   error
	finalizeErr error // fails updates that carry a completion time
}

func (m *memBatches) Create(_ context.Context, b *upload.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *b
	m.store[b.ID] = &cp
	return nil
}

func (m *memBatches) Update(_ context.Context, b *upload.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[b.ID]
	if !ok {
		return db.ErrNotFound
	}
	if cur.CompletedAt != nil {
		return upload.ErrFinalized
	}
	if m.finalizeErr != nil && b.CompletedAt != nil {
		return m.finalizeErr
	}
	cp := *b
	m.store[b.ID] = &cp
	return nil
}

func (m *memBatches) GetByID(_ context.Context, id uuid.UUID) (*upload.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.store[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBatches) ListByOrganization(context.Context, uuid.UUID, int, int) ([]*upload.Batch, int, error) {
	return nil, 0, nil
}

func (m *memBatches) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}

type recordingNotifier struct {
	mu      sync.Mutex
	batches []*upload.Batch
}

func (n *recordingNotifier) BatchFinished(_ context.Context, b *upload.Batch) {
	n.mu.Lock()
	n.batches = append(n.batches, b)
	n.mu.Unlock()
}

type fixture struct {
	orch     *Orchestrator
	patients *memPatients
	results  *memResults
	batches  *memBatches
	files    *blobstore.InMemoryBlobStore
	notifier *recordingNotifier
}

func newFixture() *fixture {
	f := &fixture{
		patients: newMemPatients(),
		results:  &memResults{failFor: map[string]bool{}},
		batches:  &memBatches{store: make(map[uuid.UUID]*upload.Batch)},
		files:    blobstore.NewInMemoryBlobStore(),
		notifier: &recordingNotifier{},
	}
	f.orch = NewOrchestrator(
		patient.NewResolver(f.patients, bcrypt.MinCost),
		result.NewWriter(f.results),
		upload.NewService(f.batches, f.files),
		f.notifier,
		time.UTC,
	)
	f.orch.now = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *fixture) run(t *testing.T, org uuid.UUID, csv string) *Outcome {
	t.Helper()
	out, err := f.orch.RunBatch(context.Background(), Request{
		FileName:       "results.csv",
		ContentType:    "text/csv",
		Data:           []byte(csv),
		OrganizationID: org,
		StaffID:        "staff-1",
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	return out
}

func (f *fixture) batch(t *testing.T, id uuid.UUID) *upload.Batch {
	t.Helper()
	b, err := f.batches.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("batch %s: %v", id, err)
	}
	return b
}

func checkCounts(t *testing.T, b *upload.Batch) {
	t.Helper()
	if b.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if b.SuccessRows+b.ErrorRows != b.TotalRows {
		t.Errorf("counts do not add up: %d + %d != %d", b.SuccessRows, b.ErrorRows, b.TotalRows)
	}
}

// =========== Scenarios ===========

func TestRunBatch_MissingEmailScenario(t *testing.T) {
	f := newFixture()
	org := uuid.New()
	out := f.run(t, org, jpHeader+"\n"+
		"a@x.com,Alice,2024-01-01,WBC,5.2,10^3/μL,3.5,9.0\n"+
		",Bob,2024-01-01,RBC,4.5,,,\n")

	if out.TotalRows != 2 || out.SuccessRows != 1 || out.ErrorRows != 1 || !out.HadErrors {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if out.Summary != "1 row(s) failed; see upload "+out.BatchID.String()+" for details" {
		t.Errorf("unexpected summary %q", out.Summary)
	}

	b := f.batch(t, out.BatchID)
	checkCounts(t, b)
	if b.Status != upload.StatusCompleted {
		t.Errorf("expected completed, got %s", b.Status)
	}
	if len(b.ErrorDetails) != 1 || b.ErrorDetails[0].Row != 3 || !strings.Contains(b.ErrorDetails[0].Message, "email") {
		t.Errorf("unexpected error details: %+v", b.ErrorDetails)
	}

	rows := f.results.all()
	if len(rows) != 1 {
		t.Fatalf("expected 1 result, got %d", len(rows))
	}
	prov := rows[0].Provenance
	if prov == nil || prov.SourceRowNumber != 2 || prov.OrganizationID != org || prov.StaffID != "staff-1" || prov.SourceFileName != "results.csv" {
		t.Errorf("unexpected provenance: %+v", prov)
	}
	if rows[0].Items["WBC"].Unit != "10^3/μL" {
		t.Errorf("unexpected items: %+v", rows[0].Items)
	}
}

func TestRunBatch_EveryValidRowBecomesOneResult(t *testing.T) {
	f := newFixture()
	out := f.run(t, uuid.New(), "email,name,test_date,item_name,value\n"+
		"a@x.com,A,2024-01-01,WBC,5.2\n"+
		"b@x.com,B,2024-01-01,RBC,4.5\n"+
		"\n"+
		"c@x.com,C,2024-01-01,PLT,250\n")

	if out.SuccessRows != 3 || out.HadErrors || out.Summary != "" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	lines := map[int]bool{}
	for _, r := range f.results.all() {
		lines[r.Provenance.SourceRowNumber] = true
	}
	for _, want := range []int{2, 3, 5} {
		if !lines[want] {
			t.Errorf("expected a result for line %d, got %v", want, lines)
		}
	}
}

func TestRunBatch_EmptyItemNameIsRowError(t *testing.T) {
	f := newFixture()
	out := f.run(t, uuid.New(), jpHeader+"\n"+
		"a@x.com,Alice,2024-01-01,,5.2,,,\n"+
		"a@x.com,Alice,2024-01-01,WBC,5.2,,,\n")

	if out.SuccessRows != 1 || out.ErrorRows != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	b := f.batch(t, out.BatchID)
	if b.ErrorDetails[0].Row != 2 || b.ErrorDetails[0].Message != (&ValidationError{Kind: EmptyRow}).Error() {
		t.Errorf("unexpected error details: %+v", b.ErrorDetails)
	}
}

func TestRunBatch_HeaderOnlyIsCompleted(t *testing.T) {
	f := newFixture()
	out := f.run(t, uuid.New(), jpHeader+"\n")

	b := f.batch(t, out.BatchID)
	checkCounts(t, b)
	if b.TotalRows != 0 || b.Status != upload.StatusCompleted {
		t.Errorf("expected empty completed batch, got %+v", b)
	}
}

func TestRunBatch_AllRowsFailed(t *testing.T) {
	f := newFixture()
	out := f.run(t, uuid.New(), jpHeader+"\n"+
		",A,2024-01-01,WBC,1,,,\n"+
		"b@x.com,B,not-a-date,WBC,1,,,\n")

	b := f.batch(t, out.BatchID)
	checkCounts(t, b)
	if b.Status != upload.StatusFailed || out.Status != upload.StatusFailed {
		t.Errorf("expected failed, got %s", b.Status)
	}
	if len(f.results.all()) != 0 {
		t.Error("no result should be stored")
	}
	if f.patients.creates != 0 {
		t.Error("a row with an invalid date must not provision a patient")
	}
}

func TestRunBatch_WriteFailureIsRowError(t *testing.T) {
	f := newFixture()
	f.results.failFor["BROKEN"] = true
	out := f.run(t, uuid.New(), "email,item_name,value\n"+
		"a@x.com,BROKEN,1\n"+
		"a@x.com,WBC,5.2\n")

	if out.SuccessRows != 1 || out.ErrorRows != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	b := f.batch(t, out.BatchID)
	if b.ErrorDetails[0].Row != 2 || b.ErrorDetails[0].Message != msgWriteFailed {
		t.Errorf("expected generic write failure on row 2, got %+v", b.ErrorDetails)
	}
}

func TestRunBatch_SameNewEmailTwiceCreatesOnePatient(t *testing.T) {
	f := newFixture()
	f.run(t, uuid.New(), jpHeader+"\n"+
		"new@x.com,New,2024-01-01,WBC,5.2,,,\n"+
		"new@x.com,New,2024-01-01,RBC,4.5,,,\n")

	if f.patients.creates != 1 {
		t.Fatalf("expected 1 patient, got %d", f.patients.creates)
	}
	rows := f.results.all()
	if len(rows) != 2 || rows[0].PatientID != rows[1].PatientID {
		t.Errorf("expected two results for the same patient, got %+v", rows)
	}
	if rows[0].ID == rows[1].ID {
		t.Error("rows sharing a patient and date are stored as separate results")
	}
}

func TestRunBatch_PlaceholderNameWhenMissing(t *testing.T) {
	f := newFixture()
	f.run(t, uuid.New(), "email,item_name,value\nanon@x.com,WBC,5.2\n")
	p, err := f.patients.FindByEmail(context.Background(), "anon@x.com")
	if err != nil {
		t.Fatalf("expected patient: %v", err)
	}
	if p.Name != patient.PlaceholderName || !p.PasswordResetRequired {
		t.Errorf("unexpected provisioned patient: %+v", p)
	}
}

func TestRunBatch_DefaultsDateToToday(t *testing.T) {
	f := newFixture()
	tokyo := time.FixedZone("JST", 9*3600)
	f.orch.loc = tokyo
	f.orch.now = func() time.Time { return time.Date(2024, 6, 15, 20, 0, 0, 0, time.UTC) }

	f.run(t, uuid.New(), "email,item_name,value\na@x.com,WBC,5.2\n")
	got := f.results.all()[0].ObservedDate.Format(result.DateLayout)
	if got != "2024-06-16" {
		t.Errorf("expected the Tokyo calendar date 2024-06-16, got %s", got)
	}
}

// Resubmitting a file is not deduplicated: each upload is its own batch
// with its own results, and the duplicated results are expected behavior,
// not a defect.
func TestRunBatch_ResubmissionDuplicates(t *testing.T) {
	f := newFixture()
	org := uuid.New()
	csv := "email,item_name,value\na@x.com,WBC,5.2\n"
	first := f.run(t, org, csv)
	second := f.run(t, org, csv)

	if first.BatchID == second.BatchID || f.batches.count() != 2 {
		t.Error("expected two independent batches")
	}
	if len(f.results.all()) != 2 {
		t.Errorf("expected duplicated results, got %d", len(f.results.all()))
	}
}

func TestRunBatch_StructuralFailureCreatesNoBatch(t *testing.T) {
	f := newFixture()
	_, err := f.orch.RunBatch(context.Background(), Request{
		FileName: "bad.csv", Data: []byte{0xff, 0xfe, 0xfd}, OrganizationID: uuid.New(),
	})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if f.batches.count() != 0 || len(f.notifier.batches) != 0 {
		t.Error("no batch should be recorded for an unreadable file")
	}
}

func TestRunBatch_FinalizeFailureLeavesBatchProcessing(t *testing.T) {
	f := newFixture()
	f.batches.finalizeErr = errors.New("connection reset")

	out := f.run(t, uuid.New(), "email,item_name,value\na@x.com,WBC,5.2\n")

	if out.Status != upload.StatusProcessing {
		t.Errorf("expected outcome status processing, got %s", out.Status)
	}
	if out.SuccessRows != 1 || out.ErrorRows != 0 {
		t.Errorf("unexpected counts: %+v", out)
	}
	stored, err := f.batches.GetByID(context.Background(), out.BatchID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != out.Status || stored.CompletedAt != nil {
		t.Errorf("outcome %s disagrees with stored batch %s", out.Status, stored.Status)
	}
	if len(f.notifier.batches) != 0 {
		t.Errorf("an unfinalized batch must not be announced, got %d notifications", len(f.notifier.batches))
	}
}

func TestRunBatch_LedgerOpenFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.batches.createErr = errors.New("too many connections")
	_, err := f.orch.RunBatch(context.Background(), Request{
		FileName: "a.csv", Data: []byte("email,item_name\na@x.com,WBC\n"), OrganizationID: uuid.New(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.results.all()) != 0 {
		t.Error("no row should be processed without a ledger entry")
	}
}

func TestRunBatch_ArchivesAndNotifies(t *testing.T) {
	f := newFixture()
	org := uuid.New()
	out := f.run(t, org, "email,item_name\na@x.com,WBC\n")

	b := f.batch(t, out.BatchID)
	if b.FilePath != upload.ArchiveKey(org, out.BatchID, "results.csv") {
		t.Errorf("unexpected file path %q", b.FilePath)
	}
	if f.files.Len() != 1 {
		t.Errorf("expected archived file, got %d", f.files.Len())
	}
	if len(f.notifier.batches) != 1 || f.notifier.batches[0].ID != out.BatchID || !f.notifier.batches[0].IsTerminal() {
		t.Errorf("expected one terminal notification, got %+v", f.notifier.batches)
	}
}

func TestRunBatch_SurvivesCancelledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.orch.RunBatch(ctx, Request{
		FileName: "a.csv", Data: []byte("email,item_name\na@x.com,WBC\nb@x.com,RBC\n"), OrganizationID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if out.SuccessRows != 2 {
		t.Errorf("expected the batch to finish, got %+v", out)
	}
}

func TestRunBatch_ConcurrentOrganizations(t *testing.T) {
	f := newFixture()
	orgA, orgB := uuid.New(), uuid.New()
	var g errgroup.Group
	g.Go(func() error {
		_, err := f.orch.RunBatch(context.Background(), Request{
			FileName: "a.csv", Data: []byte("email,item_name\nalpha@x.com,WBC\n"), OrganizationID: orgA, StaffID: "sa",
		})
		return err
	})
	g.Go(func() error {
		_, err := f.orch.RunBatch(context.Background(), Request{
			FileName: "b.csv", Data: []byte("email,item_name\nbeta@x.com,WBC\n"), OrganizationID: orgB, StaffID: "sb",
		})
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	alpha, _ := f.patients.FindByEmail(context.Background(), "alpha@x.com")
	beta, _ := f.patients.FindByEmail(context.Background(), "beta@x.com")
	for _, r := range f.results.all() {
		switch r.PatientID {
		case alpha.ID:
			if r.Provenance.OrganizationID != orgA {
				t.Errorf("alpha's result tagged with %s", r.Provenance.OrganizationID)
			}
		case beta.ID:
			if r.Provenance.OrganizationID != orgB {
				t.Errorf("beta's result tagged with %s", r.Provenance.OrganizationID)
			}
		default:
			t.Errorf("unexpected patient %s", r.PatientID)
		}
	}
}

func TestRunBatch_ConcurrentBatchesSameNewEmail(t *testing.T) {
	f := newFixture()
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := f.orch.RunBatch(context.Background(), Request{
				FileName: "race.csv", Data: []byte("email,item_name\nrace@x.com,WBC\n"), OrganizationID: uuid.New(),
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if f.patients.creates != 1 {
		t.Errorf("expected exactly one patient, got %d", f.patients.creates)
	}
	if len(f.results.all()) != 4 {
		t.Errorf("expected 4 results, got %d", len(f.results.all()))
	}
}
