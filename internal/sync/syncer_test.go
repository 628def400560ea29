package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
	"github.com/nhle/inboxd/internal/normalize"
	"github.com/nhle/inboxd/internal/store"
	"github.com/nhle/inboxd/internal/testutil"
)

const owner = "me@example.com"

func newTestSyncer(t *testing.T, fake *testutil.FakeMailbox, s store.Store, opts Options) *Syncer {
	t.Helper()
	return NewSyncer(fake.Opener(), s, opts, zerolog.Nop())
}

func outcomes(r *Report) []Outcome {
	out := make([]Outcome, 0, len(r.Items))
	for _, item := range r.Items {
		out = append(out, item.Outcome)
	}
	return out
}

func inboxCount(t *testing.T, s store.Store) int {
	t.Helper()
	inbox := model.FolderInbox
	n, err := s.CountMessages(context.Background(), store.MessageFilter{Owner: owner, Folder: &inbox})
	if err != nil {
		t.Fatalf("CountMessages() error: %v", err)
	}
	return n
}

func TestRun_StoresNewMessagesInInbox(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	fake.Add("2", "m2@example.com", testutil.RawMessage("Bob <bob@example.com>", "Second", "m2@example.com", "two"))
	fake.Add("1", "m1@example.com", testutil.RawMessage("Alice <alice@example.com>", "First", "m1@example.com", "one"))

	report, err := newTestSyncer(t, fake, s, Options{}).Run(context.Background(), owner, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.New != 2 {
		t.Fatalf("New = %d, want 2", report.New)
	}

	got, err := s.FindByIdentity(context.Background(), owner, "m1@example.com")
	if err != nil {
		t.Fatalf("FindByIdentity() error: %v", err)
	}
	if got.Folder != model.FolderInbox || got.IsRead || got.RemoteID != "1" {
		t.Errorf("stored message = folder %q read %v remote %q, want inbox/false/1", got.Folder, got.IsRead, got.RemoteID)
	}
	if got.Sender != "Alice <alice@example.com>" || got.Subject != "First" || got.PlainBody != "one" {
		t.Errorf("stored content = %q %q %q", got.Sender, got.Subject, got.PlainBody)
	}
	if fake.Closes != 1 {
		t.Errorf("mailbox closed %d times, want 1", fake.Closes)
	}
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	fake.Add("2", "m2@example.com", testutil.RawMessage("bob@example.com", "Second", "m2@example.com", "two"))
	fake.Add("1", "m1@example.com", testutil.RawMessage("alice@example.com", "First", "m1@example.com", "one"))
	syncer := newTestSyncer(t, fake, s, Options{})

	if _, err := syncer.Run(context.Background(), owner, 0); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	report, err := syncer.Run(context.Background(), owner, 0)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	if report.New != 0 || report.Existing != 2 {
		t.Errorf("second run = %+v, want New 0 Existing 2", report)
	}
	// Listing identities are known, so existing messages are not fetched again.
	if fake.Fetches["1"] != 1 || fake.Fetches["2"] != 1 {
		t.Errorf("fetches = %v, want one per message", fake.Fetches)
	}
	if n := inboxCount(t, s); n != 2 {
		t.Errorf("inbox count = %d, want 2", n)
	}
}

func TestRun_RepeatedIdentityStoredOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	fake.Add("3", "m1@example.com", testutil.RawMessage("alice@example.com", "First again", "m1@example.com", "one"))
	fake.Add("2", "m2@example.com", testutil.RawMessage("bob@example.com", "Second", "m2@example.com", "two"))
	fake.Add("1", "m1@example.com", testutil.RawMessage("alice@example.com", "First", "m1@example.com", "one"))

	report, err := newTestSyncer(t, fake, s, Options{}).Run(context.Background(), owner, 50)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if report.New != 2 {
		t.Errorf("New = %d, want 2", report.New)
	}
	want := []Outcome{OutcomeNew, OutcomeNew, OutcomeExisting}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if n := inboxCount(t, s); n != 2 {
		t.Errorf("inbox count = %d, want 2", n)
	}
}

func TestRun_PerItemFailuresDoNotAbort(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	fake.Add("3", "m3@example.com", testutil.RawMessage("c@example.com", "Third", "m3@example.com", "three"))
	fake.Add("2", "m2@example.com", []byte("not a header line\r\n\r\nbody"))
	fake.Add("1", "m1@example.com", testutil.RawMessage("a@example.com", "First", "m1@example.com", "one"))
	fake.FetchErrs["3"] = []error{errors.New("connection reset")}

	report, err := newTestSyncer(t, fake, s, Options{}).Run(context.Background(), owner, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []Outcome{OutcomeFailed, OutcomeFailed, OutcomeNew}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if report.Failed != 2 || report.New != 1 {
		t.Errorf("report = %+v, want Failed 2 New 1", report)
	}
	for _, item := range report.Items[:2] {
		if item.Err == nil {
			t.Errorf("item %s has no error", item.Handle.ID)
		}
	}
}

func TestRun_AuthErrorAbortsBatch(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	fake.Add("2", "m2@example.com", testutil.RawMessage("b@example.com", "Second", "m2@example.com", "two"))
	fake.Add("1", "m1@example.com", testutil.RawMessage("a@example.com", "First", "m1@example.com", "one"))
	fake.FetchErrs["2"] = []error{&mailbox.AuthError{Backend: mailbox.BackendIMAP, Message: "session expired"}}

	report, err := newTestSyncer(t, fake, s, Options{}).Run(context.Background(), owner, 0)
	if !mailbox.IsAuthError(err) {
		t.Fatalf("Run() error = %v, want auth error", err)
	}
	if report == nil || report.Failed != 1 || len(report.Items) != 1 {
		t.Fatalf("report = %+v, want one failed item", report)
	}
	if fake.Fetches["1"] != 0 {
		t.Error("message after auth failure was fetched")
	}
	if fake.Closes != 1 {
		t.Errorf("mailbox closed %d times, want 1", fake.Closes)
	}
}

func TestRun_OpenAndListFailuresAbort(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*testutil.FakeMailbox)
		wantAuth bool
	}{
		{
			name: "open rejected",
			setup: func(f *testutil.FakeMailbox) {
				f.OpenErr = &mailbox.AuthError{Backend: mailbox.BackendGmail, Message: "token expired"}
			},
			wantAuth: true,
		},
		{
			name:  "list failed",
			setup: func(f *testutil.FakeMailbox) { f.ListErr = errors.New("mailbox unavailable") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeMailbox()
			fake.Add("1", "m1@example.com", testutil.RawMessage("a@example.com", "First", "m1@example.com", "one"))
			tt.setup(fake)

			report, err := newTestSyncer(t, fake, testutil.NewTestStore(t), Options{}).Run(context.Background(), owner, 0)
			if err == nil {
				t.Fatal("Run() succeeded, want error")
			}
			if report != nil {
				t.Errorf("report = %+v, want nil", report)
			}
			if got := mailbox.IsAuthError(err); got != tt.wantAuth {
				t.Errorf("IsAuthError() = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestRun_EmptyOwnerRejectedBeforeOpen(t *testing.T) {
	fake := testutil.NewFakeMailbox()
	fake.Add("1", "m1@example.com", testutil.RawMessage("a@example.com", "First", "m1@example.com", "one"))
	fake.Add("2", "m2@example.com", testutil.RawMessage("b@example.com", "Second", "m2@example.com", "two"))

	report, err := newTestSyncer(t, fake, testutil.NewTestStore(t), Options{}).Run(context.Background(), "", 0)
	if !errors.Is(err, ErrNoOwner) {
		t.Fatalf("Run() error = %v, want ErrNoOwner", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
	if fake.Opens != 0 {
		t.Errorf("mailbox opened %d times, want 0", fake.Opens)
	}
}

func TestRun_RetriesTimedOutFetch(t *testing.T) {
	tests := []struct {
		name        string
		retries     int
		wantOutcome Outcome
		wantFetches int
	}{
		{name: "retry succeeds", retries: 1, wantOutcome: OutcomeNew, wantFetches: 2},
		{name: "no retries", retries: 0, wantOutcome: OutcomeFailed, wantFetches: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeMailbox()
			fake.Add("1", "m1@example.com", testutil.RawMessage("a@example.com", "First", "m1@example.com", "one"))
			fake.FetchErrs["1"] = []error{context.DeadlineExceeded}

			opts := Options{FetchRetries: tt.retries, FetchTimeout: time.Second}
			report, err := newTestSyncer(t, fake, testutil.NewTestStore(t), opts).Run(context.Background(), owner, 0)
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if got := report.Items[0].Outcome; got != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", got, tt.wantOutcome)
			}
			if fake.Fetches["1"] != tt.wantFetches {
				t.Errorf("fetches = %d, want %d", fake.Fetches["1"], tt.wantFetches)
			}
		})
	}
}

func TestRun_IdentityFallbacks(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	fake.Add("2", "", testutil.RawMessage("b@example.com", "Header id", "hdr@example.com", "two"))
	fake.Add("1", "", testutil.RawMessage("a@example.com", "No id", "", "one"))
	syncer := newTestSyncer(t, fake, s, Options{})

	report, err := syncer.Run(context.Background(), owner, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.New != 2 {
		t.Fatalf("New = %d, want 2", report.New)
	}
	if got := report.Items[0].Identity; got != "hdr@example.com" {
		t.Errorf("identity = %q, want header Message-ID", got)
	}
	if got := report.Items[1].Identity; !normalize.IsFingerprint(got) {
		t.Errorf("identity = %q, want fingerprint", got)
	}

	again, err := syncer.Run(context.Background(), owner, 0)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if again.New != 0 || again.Existing != 2 {
		t.Errorf("second run = %+v, want New 0 Existing 2", again)
	}
}

// raceStore hides existing records from the existence check, so creation
// hits the unique index as when two runs overlap.
type raceStore struct {
	store.Store
}

func (raceStore) FindByIdentity(ctx context.Context, owner, identity string) (*model.Message, error) {
	return nil, store.ErrNotFound
}

func TestRun_DuplicateOnCreateIsAlreadySynced(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	fake.Add("1", "m1@example.com", testutil.RawMessage("a@example.com", "First", "m1@example.com", "one"))

	if _, err := newTestSyncer(t, fake, s, Options{}).Run(context.Background(), owner, 0); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	report, err := newTestSyncer(t, fake, raceStore{s}, Options{}).Run(context.Background(), owner, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Duplicates != 1 || report.Failed != 0 {
		t.Errorf("report = %+v, want one duplicate", report)
	}
}

func TestRun_LimitDefaults(t *testing.T) {
	fake := testutil.NewFakeMailbox()
	for _, id := range []string{"3", "2", "1"} {
		fake.Add(id, "m"+id+"@example.com", testutil.RawMessage("a@example.com", "Msg "+id, "m"+id+"@example.com", id))
	}

	report, err := newTestSyncer(t, fake, testutil.NewTestStore(t), Options{Limit: 2}).Run(context.Background(), owner, -1)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(report.Items) != 2 {
		t.Errorf("examined %d messages, want 2", len(report.Items))
	}
}
