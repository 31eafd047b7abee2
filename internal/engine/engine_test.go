package engine_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/audit"
	"batchline/internal/config"
	"batchline/internal/db"
	"batchline/internal/domain"
	"batchline/internal/emission"
	"batchline/internal/engine"
	"batchline/internal/engine/auth"
	"batchline/internal/migrate"
	"batchline/internal/principal"
	"batchline/internal/queue"
	"batchline/internal/report"
)

const cohortID = "c-1"

var (
	admin   = principal.Interactive{SubjectID: "u-admin", Role: auth.RoleAdmin}
	manager = principal.Interactive{SubjectID: "u-manager", Role: auth.RoleManager, ScopeIDs: []string{cohortID}}
	issuer  = principal.Interactive{SubjectID: "iss-1", Role: auth.RoleIssuer}
)

func member(id string) principal.Interactive {
	return principal.Interactive{SubjectID: id, Role: auth.RoleSubject, ScopeIDs: []string{cohortID}}
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, subjects int, opts ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, o := range opts {
		o(cfg)
	}
	eng := engine.New(conn, dialect, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	sink := audit.Store{Runner: eng.Runner, Writer: audit.Writer{Dialect: dialect, Now: eng.Now}}
	eng.Emitter = &emission.Emitter{
		Repo:     eng.Repo,
		Runner:   eng.Runner,
		Renderer: report.TextRenderer{},
		Audit:    sink,
		Now:      eng.Now,
	}
	eng.Queue = queue.NewWorker(eng.Repo, eng.Emitter, queue.Config{BaseBackoff: time.Minute, MaxAttempts: 3, Concurrency: 1})
	eng.Queue.Now = eng.Now
	eng.Queue.Audit = sink

	ctx := context.Background()
	if _, err := eng.CreateCohort(ctx, admin, cohortID, "Acme"); err != nil {
		t.Fatalf("create cohort: %v", err)
	}
	if _, err := eng.CreateIssuer(ctx, admin, "iss-1", "Dr. Issuer"); err != nil {
		t.Fatalf("create issuer: %v", err)
	}
	for i := 1; i <= subjects; i++ {
		if _, err := eng.CreateSubject(ctx, admin, engine.SubjectCreateOptions{ID: fmt.Sprintf("s-%d", i), CohortID: cohortID, Name: fmt.Sprintf("Subject %d", i)}); err != nil {
			t.Fatalf("create subject: %v", err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func noInline(c *config.Config) { c.Emission.Inline = false }

// released creates and releases a batch, returning its assessments keyed by subject.
func (env testEnv) released(t *testing.T) (domain.Batch, map[string]domain.MemberAssessment) {
	t.Helper()
	b, err := env.Engine.CreateBatch(env.Ctx, manager, engine.BatchCreateOptions{CohortID: cohortID})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	b, _, err = env.Engine.Release(env.Ctx, manager, b.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	list, err := env.Engine.ListAssessments(env.Ctx, manager, b.ID)
	if err != nil {
		t.Fatalf("list assessments: %v", err)
	}
	bySubject := map[string]domain.MemberAssessment{}
	for _, a := range list {
		bySubject[a.SubjectID] = a
	}
	return b, bySubject
}

func (env testEnv) answer(t *testing.T, a domain.MemberAssessment) engine.AssessmentResult {
	t.Helper()
	p := member(a.SubjectID)
	if _, err := env.Engine.RecordResponses(env.Ctx, p, a.ID, []engine.ResponseInput{
		{Dimension: 1, Item: "q1", Value: 25},
		{Dimension: 2, Item: "q2", Value: 75},
		{Dimension: 7, Item: "q7", Value: 50},
	}); err != nil {
		t.Fatalf("record responses: %v", err)
	}
	res, err := env.Engine.CompleteAssessment(env.Ctx, p, a.ID)
	if err != nil {
		t.Fatalf("complete assessment: %v", err)
	}
	return res
}

func TestCompletionEmitsReportOnce(t *testing.T) {
	env := newTestEnv(t, 3)
	b, as := env.released(t)
	if b.Status != domain.BatchActive || b.TotalCount != 3 {
		t.Fatalf("released batch: %+v", b)
	}

	env.answer(t, as["s-1"])
	res := env.answer(t, as["s-2"])
	if res.Batch.Status != domain.BatchActive || res.To != "" {
		t.Fatalf("batch should stay active: %+v", res.Transition)
	}
	rp, err := env.Engine.GetReport(env.Ctx, manager, b.ID, false)
	if err != nil || rp.Status != domain.ReportDraft {
		t.Fatalf("report should be draft: %+v %v", rp, err)
	}

	res = env.answer(t, as["s-3"])
	if res.To != domain.BatchCompleted || res.Batch.CompletedCount != 3 {
		t.Fatalf("batch should complete: %+v", res.Transition)
	}
	if res.Emission == nil || res.Emission.Hash == "" {
		t.Fatalf("inline emission missing: %q", res.EmissionError)
	}
	rp, err = env.Engine.GetReport(env.Ctx, manager, b.ID, true)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rp.Status != domain.ReportIssued || rp.ContentHash == nil || *rp.ContentHash != res.Emission.Hash {
		t.Fatalf("report not issued: %+v", rp)
	}
	if report.Digest(rp.Content) != *rp.ContentHash {
		t.Fatalf("hash does not match content")
	}
	if rp.PrincipalKind == nil || *rp.PrincipalKind != string(principal.KindSystem) {
		t.Fatalf("completion by a subject should emit as system, got %v", rp.PrincipalKind)
	}
	entries, err := env.Engine.ListQueue(env.Ctx, admin, true)
	if err != nil || len(entries) != 0 {
		t.Fatalf("queue should be empty: %+v %v", entries, err)
	}
	logs, err := env.Engine.ListAudit(env.Ctx, admin, engine.AuditListOptions{Action: audit.ActionReportIssued})
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one report.issued audit, got %d (%v)", len(logs), err)
	}
	if logs[0].ActorID != engine.AutoEmitPrincipal.ActorID() {
		t.Fatalf("unexpected actor %s", logs[0].ActorID)
	}

	if _, err := env.Engine.Emit(env.Ctx, issuer, b.ID); !errors.Is(err, emission.ErrAlreadyInProgressOrIssued) {
		t.Fatalf("second emit should lose the claim: %v", err)
	}
}

func TestDeactivatedAssessmentsDoNotBlockCompletion(t *testing.T) {
	env := newTestEnv(t, 3)
	b, as := env.released(t)
	res, err := env.Engine.DeactivateAssessment(env.Ctx, manager, as["s-1"].ID, "left the company", false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if res.Batch.ReleasedCount != 2 || res.Batch.DeactivatedCount != 1 {
		t.Fatalf("counts: %+v", res.Batch)
	}
	env.answer(t, as["s-2"])
	res = env.answer(t, as["s-3"])
	if res.To != domain.BatchCompleted {
		t.Fatalf("expected completion, got %+v", res.Transition)
	}
	rp, err := env.Engine.GetReport(env.Ctx, admin, b.ID, true)
	require.NoError(t, err)
	assert.Contains(t, string(rp.Content), "2 of 2")
}

func TestAllDeactivatedCancelsBatch(t *testing.T) {
	env := newTestEnv(t, 1)
	_, as := env.released(t)
	res, err := env.Engine.DeactivateAssessment(env.Ctx, manager, as["s-1"].ID, "on long-term leave", false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if res.To != domain.BatchCancelled || res.Batch.Status != domain.BatchCancelled {
		t.Fatalf("expected cancellation, got %+v", res.Transition)
	}
}

func TestShortDeactivationReasonRejected(t *testing.T) {
	env := newTestEnv(t, 1)
	_, as := env.released(t)
	_, err := env.Engine.DeactivateAssessment(env.Ctx, manager, as["s-1"].ID, "short", false)
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "reason" {
		t.Fatalf("expected reason validation error, got %v", err)
	}
}

func TestRepeatedDeactivationNeedsForce(t *testing.T) {
	env := newTestEnv(t, 1)
	_, as := env.released(t)
	if _, err := env.Engine.DeactivateAssessment(env.Ctx, manager, as["s-1"].ID, "on long-term leave", false); err != nil {
		t.Fatalf("deactivate first: %v", err)
	}
	b2, as2 := env.released(t)
	if b2.Ordinal != 2 {
		t.Fatalf("expected ordinal 2, got %d", b2.Ordinal)
	}
	id := as2["s-1"].ID

	_, err := env.Engine.DeactivateAssessment(env.Ctx, manager, id, "still on long-term leave", false)
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "force" {
		t.Fatalf("expected force validation error, got %v", err)
	}
	_, err = env.Engine.DeactivateAssessment(env.Ctx, manager, id, "still on long-term leave", true)
	if !errors.As(err, &ve) || ve.Field != "reason" {
		t.Fatalf("forced deactivation needs a long reason, got %v", err)
	}
	long := "still on long-term leave, confirmed by occupational health on 2024-01-01"
	if _, err := env.Engine.DeactivateAssessment(env.Ctx, manager, id, long, true); err != nil {
		t.Fatalf("forced deactivate: %v", err)
	}
}

func TestAssessmentsImmutableAfterIssue(t *testing.T) {
	env := newTestEnv(t, 2)
	_, as := env.released(t)
	env.answer(t, as["s-1"])
	res := env.answer(t, as["s-2"])
	require.NotNil(t, res.Emission)

	_, err := env.Engine.RecordResponses(env.Ctx, member("s-1"), as["s-1"].ID, []engine.ResponseInput{{Dimension: 1, Item: "q1", Value: 10}})
	assert.ErrorIs(t, err, engine.ErrImmutable)
	_, err = env.Engine.DeactivateAssessment(env.Ctx, manager, as["s-1"].ID, "late correction of data", false)
	assert.ErrorIs(t, err, engine.ErrImmutable)
	_, err = env.Engine.ResetAssessment(env.Ctx, manager, as["s-2"].ID, "typo in answers")
	assert.ErrorIs(t, err, engine.ErrImmutable)
}

func TestConcurrentEmitIssuesOnce(t *testing.T) {
	env := newTestEnv(t, 2, noInline)
	b, as := env.released(t)
	env.answer(t, as["s-1"])
	res := env.answer(t, as["s-2"])
	require.Equal(t, domain.BatchCompleted, res.To)
	require.Nil(t, res.Emission)

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		issued   int
		conflict int
		hashes   []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.Engine.Emitter.Emit(env.Ctx, b.ID, issuer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				issued++
				hashes = append(hashes, r.Hash)
			case errors.Is(err, emission.ErrAlreadyInProgressOrIssued):
				conflict++
			default:
				t.Errorf("unexpected emit error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, issued)
	assert.Equal(t, n-1, conflict)

	rp, err := env.Engine.GetReport(env.Ctx, issuer, b.ID, false)
	require.NoError(t, err)
	require.NotNil(t, rp.ContentHash)
	assert.Equal(t, hashes[0], *rp.ContentHash)
	assert.Equal(t, "iss-1", *rp.IssuerID)
}

func TestEmergencyEmission(t *testing.T) {
	env := newTestEnv(t, 2, noInline)
	b, as := env.released(t)
	env.answer(t, as["s-1"])

	reason := "regulatory deadline tomorrow morning"
	_, err := env.Engine.EmitEmergency(env.Ctx, issuer, b.ID, reason)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	env.answer(t, as["s-2"])
	_, err = env.Engine.EmitEmergency(env.Ctx, issuer, b.ID, "too short")
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.EmitEmergency(env.Ctx, manager, b.ID, reason)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	res, err := env.Engine.EmitEmergency(env.Ctx, issuer, b.ID, reason)
	require.NoError(t, err)
	assert.True(t, res.Emergency)
	rp, err := env.Engine.GetReport(env.Ctx, issuer, b.ID, true)
	require.NoError(t, err)
	assert.True(t, rp.Emergency)
	assert.True(t, strings.HasPrefix(string(rp.Content), "*** EMERGENCY ISSUE ***"))

	batch, err := env.Engine.GetBatch(env.Ctx, issuer, b.ID)
	require.NoError(t, err)
	assert.True(t, batch.EmergencyUsed)
	_, err = env.Engine.EmitEmergency(env.Ctx, issuer, b.ID, reason)
	assert.ErrorIs(t, err, emission.ErrAlreadyInProgressOrIssued)
}

func TestResetReopensCompletedBatch(t *testing.T) {
	env := newTestEnv(t, 1, noInline)
	_, as := env.released(t)
	res := env.answer(t, as["s-1"])
	require.Equal(t, domain.BatchCompleted, res.To)
	entries, err := env.Engine.ListQueue(env.Ctx, admin, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2024-01-01T00:01:00Z", entries[0].NextRetryAt)

	res, err = env.Engine.ResetAssessment(env.Ctx, manager, as["s-1"].ID, "answered for the wrong team")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchActive, res.Batch.Status)
	assert.Equal(t, domain.AssessmentStarted, res.Assessment.Status)
	entries, err = env.Engine.ListQueue(env.Ctx, admin, true)
	require.NoError(t, err)
	assert.Empty(t, entries)

	res = env.answer(t, as["s-1"])
	assert.Equal(t, domain.BatchCompleted, res.To)
	_, err = env.Engine.ResetAssessment(env.Ctx, manager, as["s-1"].ID, "second thoughts")
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, _, err = env.Engine.GetAssessment(env.Ctx, manager, as["s-1"].ID)
	require.NoError(t, err)
}

func TestReissueAfterDeactivation(t *testing.T) {
	env := newTestEnv(t, 2)
	b, as := env.released(t)
	_, err := env.Engine.DeactivateAssessment(env.Ctx, manager, as["s-1"].ID, "wrong questionnaire sent", false)
	require.NoError(t, err)

	res, err := env.Engine.ReissueAssessment(env.Ctx, manager, b.ID, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "reissue", res.Assessment.EligibilityReason)
	assert.Equal(t, 3, res.Batch.TotalCount)
	assert.Equal(t, 2, res.Batch.ReleasedCount)

	_, err = env.Engine.ReissueAssessment(env.Ctx, manager, b.ID, "s-1")
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSubjectsOnlyTouchTheirOwnAssessment(t *testing.T) {
	env := newTestEnv(t, 2)
	_, as := env.released(t)
	_, err := env.Engine.RecordResponses(env.Ctx, member("s-2"), as["s-1"].ID, []engine.ResponseInput{{Dimension: 1, Item: "q1", Value: 10}})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	list, err := env.Engine.ListAssessments(env.Ctx, member("s-2"), as["s-2"].BatchID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s-2", list[0].SubjectID)
}

func TestResponsesValidated(t *testing.T) {
	env := newTestEnv(t, 1)
	_, as := env.released(t)
	for _, in := range [][]engine.ResponseInput{
		nil,
		{{Dimension: 42, Item: "q", Value: 1}},
		{{Dimension: 1, Item: "", Value: 1}},
		{{Dimension: 1, Item: "q", Value: 101}},
	} {
		_, err := env.Engine.RecordResponses(env.Ctx, member("s-1"), as["s-1"].ID, in)
		var ve engine.ValidationError
		assert.ErrorAs(t, err, &ve, "input %+v", in)
	}
	_, err := env.Engine.CompleteAssessment(env.Ctx, member("s-1"), as["s-1"].ID)
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestDeliverFinalizesBatch(t *testing.T) {
	env := newTestEnv(t, 1)
	b, as := env.released(t)
	_, err := env.Engine.DeliverReport(env.Ctx, issuer, b.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	env.answer(t, as["s-1"])
	rp, err := env.Engine.DeliverReport(env.Ctx, issuer, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportDelivered, rp.Status)
	batch, err := env.Engine.GetBatch(env.Ctx, issuer, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFinalized, batch.Status)
}

func TestCancelRequiresReasonAndDraftReport(t *testing.T) {
	env := newTestEnv(t, 2)
	b, _ := env.released(t)
	_, err := env.Engine.Cancel(env.Ctx, manager, b.ID, " ")
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
	got, err := env.Engine.Cancel(env.Ctx, manager, b.ID, "survey postponed")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCancelled, got.Status)
	_, err = env.Engine.Cancel(env.Ctx, manager, b.ID, "again")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestReleaseNeedsEligibleSubjects(t *testing.T) {
	env := newTestEnv(t, 2)
	env.released(t)
	b2, err := env.Engine.CreateBatch(env.Ctx, manager, engine.BatchCreateOptions{CohortID: cohortID, Title: "follow-up"})
	require.NoError(t, err)
	assert.Equal(t, 2, b2.Ordinal)
	_, _, err = env.Engine.Release(env.Ctx, manager, b2.ID)
	var ve engine.ValidationError
	assert.ErrorAs(t, err, &ve)
	got, err := env.Engine.GetBatch(env.Ctx, manager, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchDraft, got.Status)
}

func TestComputeEligibleIsReadOnly(t *testing.T) {
	env := newTestEnv(t, 3)
	first, err := env.Engine.ComputeEligible(env.Ctx, manager, cohortID, "")
	require.NoError(t, err)
	second, err := env.Engine.ComputeEligible(env.Ctx, manager, cohortID, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	assert.Equal(t, "s-1", first[0].SubjectID)

	b, err := env.Engine.CreateBatch(env.Ctx, manager, engine.BatchCreateOptions{CohortID: cohortID})
	require.NoError(t, err)
	ref, err := env.Engine.ComputeEligible(env.Ctx, manager, cohortID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first, ref)
	list, err := env.Engine.ListAssessments(env.Ctx, manager, b.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = env.Engine.ComputeEligible(env.Ctx, principal.Interactive{SubjectID: "m", Role: auth.RoleManager, ScopeIDs: []string{"other"}}, cohortID, "")
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)
}

func TestRequestEmissionAndDrain(t *testing.T) {
	env := newTestEnv(t, 1, noInline)
	b, as := env.released(t)
	env.answer(t, as["s-1"])

	stats, err := env.Engine.DrainQueue(env.Ctx, issuer)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Processed, "entry is still inside its grace delay")

	entry, err := env.Engine.RequestEmission(env.Ctx, manager, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", entry.NextRetryAt)
	stats, err = env.Engine.DrainQueue(env.Ctx, issuer)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Issued)

	rp, err := env.Engine.GetReport(env.Ctx, manager, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportIssued, rp.Status)
	_, err = env.Engine.RequestEmission(env.Ctx, manager, b.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestInlineEmissionWithoutIssuerGoesTerminal(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Engine.CreateIssuer(env.Ctx, admin, "iss-2", "Second Issuer")
	require.NoError(t, err)
	b, as := env.released(t)
	res := env.answer(t, as["s-1"])
	assert.Equal(t, domain.BatchCompleted, res.To)
	assert.Nil(t, res.Emission)
	assert.Contains(t, res.EmissionError, "issuer")

	entries, err := env.Engine.ListQueue(env.Ctx, admin, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Terminal)
	logs, err := env.Engine.ListAudit(env.Ctx, admin, engine.AuditListOptions{ResourceID: b.ID, Action: audit.ActionEmissionTerminal})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// an issuer can still emit under their own name
	r, err := env.Engine.Emit(env.Ctx, issuer, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "iss-1", r.IssuerID)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 12
	properties := gopter.NewProperties(parameters)

	// 0 leaves the assessment open, 1 completes it, 2 deactivates it
	properties.Property("recompute converges and repeats as a no-op", prop.ForAll(
		func(actions []int) bool {
			env := newTestEnv(t, len(actions), noInline)
			b, as := env.released(t)
			for i, act := range actions {
				if act == 2 {
					if _, err := env.Engine.DeactivateAssessment(env.Ctx, manager, as[fmt.Sprintf("s-%d", i+1)].ID, "not part of this cycle", false); err != nil {
						t.Logf("deactivate: %v", err)
						return false
					}
				}
			}
			for i, act := range actions {
				if act == 1 {
					env.answer(t, as[fmt.Sprintf("s-%d", i+1)])
				}
			}
			first, err := env.Engine.RecomputeStatus(env.Ctx, admin, b.ID)
			if err != nil {
				return false
			}
			second, err := env.Engine.RecomputeStatus(env.Ctx, admin, b.ID)
			if err != nil || first.To != "" || second.To != "" || !reflect.DeepEqual(first.Batch, second.Batch) {
				return false
			}
			var completed, deactivated int
			for _, act := range actions {
				switch act {
				case 1:
					completed++
				case 2:
					deactivated++
				}
			}
			want := domain.BatchActive
			switch {
			case deactivated == len(actions):
				want = domain.BatchCancelled
			case completed == len(actions)-deactivated:
				want = domain.BatchCompleted
			}
			return second.Batch.Status == want &&
				second.Batch.CompletedCount == completed &&
				second.Batch.DeactivatedCount == deactivated
		},
		gen.SliceOfN(3, gen.IntRange(0, 2)),
	))
	properties.TestingRun(t)
}

func TestEmitRejectsBatchNotCompleted(t *testing.T) {
	env := newTestEnv(t, 2)
	b, _ := env.released(t)

	_, err := env.Engine.Emit(env.Ctx, issuer, b.ID)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	entries, err := env.Engine.ListQueue(env.Ctx, admin, true)
	require.NoError(t, err)
	assert.Empty(t, entries)
	logs, err := env.Engine.ListAudit(env.Ctx, admin, engine.AuditListOptions{ResourceID: b.ID, Action: audit.ActionEmissionTerminal})
	require.NoError(t, err)
	assert.Empty(t, logs)
	rp, err := env.Engine.GetReport(env.Ctx, manager, b.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportDraft, rp.Status)
}

func TestEmitAfterDeliveryIsAlreadyIssued(t *testing.T) {
	env := newTestEnv(t, 1)
	b, as := env.released(t)
	res := env.answer(t, as["s-1"])
	require.NotNil(t, res.Emission, res.EmissionError)
	_, err := env.Engine.DeliverReport(env.Ctx, issuer, b.ID)
	require.NoError(t, err)

	_, err = env.Engine.Emit(env.Ctx, issuer, b.ID)
	assert.ErrorIs(t, err, emission.ErrAlreadyInProgressOrIssued)
}

func subject(t *testing.T, env testEnv, id string) domain.Subject {
	t.Helper()
	list, err := env.Engine.ListSubjects(env.Ctx, admin, cohortID)
	require.NoError(t, err)
	for _, s := range list {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("subject %s not found", id)
	return domain.Subject{}
}

func TestResetRestoresEvaluationHistory(t *testing.T) {
	env := newTestEnv(t, 2, noInline)
	_, as := env.released(t)
	env.answer(t, as["s-1"])
	res := env.answer(t, as["s-2"])
	require.Equal(t, domain.BatchCompleted, res.To)

	s := subject(t, env, "s-1")
	require.Equal(t, 1, s.EvaluationIndex)
	require.NotNil(t, s.LastEvaluatedAt)

	_, err := env.Engine.ResetAssessment(env.Ctx, manager, as["s-1"].ID, "answered for the wrong team")
	require.NoError(t, err)
	s = subject(t, env, "s-1")
	assert.Equal(t, 0, s.EvaluationIndex)
	assert.Nil(t, s.LastEvaluatedAt)
	assert.Equal(t, 1, subject(t, env, "s-2").EvaluationIndex)

	// completing again counts once more
	env.answer(t, as["s-1"])
	assert.Equal(t, 1, subject(t, env, "s-1").EvaluationIndex)
}
