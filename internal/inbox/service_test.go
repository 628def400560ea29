package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
	"github.com/nhle/inboxd/internal/store"
	appsync "github.com/nhle/inboxd/internal/sync"
	"github.com/nhle/inboxd/internal/testutil"
)

const account = "me@example.com"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store *store.SQLStore
	fake  *testutil.FakeMailbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := testutil.NewTestStore(t)
	fake := testutil.NewFakeMailbox()
	syncer := appsync.NewSyncer(fake.Opener(), s, appsync.Options{}, zerolog.Nop())

	svc := New(Config{Owner: account, Address: account, Backend: "imap"}, Deps{
		Store:  s,
		Opener: fake.Opener(),
		Syncer: syncer,
		Log:    zerolog.Nop(),
	})
	svc.now = func() time.Time { return fixedNow }
	return &fixture{svc: svc, store: s, fake: fake}
}

func (f *fixture) seed(t *testing.T, identity, remoteID string, folder model.Folder, starred bool, offset time.Duration) *model.Message {
	t.Helper()
	msg := &model.Message{
		Identity:   identity,
		Owner:      account,
		RemoteID:   remoteID,
		Sender:     "alice@example.com",
		Recipient:  account,
		Subject:    "Subject " + identity,
		Folder:     folder,
		IsStarred:  starred,
		ReceivedAt: fixedNow.Add(-offset),
	}
	if err := f.store.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage(%s) error: %v", identity, err)
	}
	return msg
}

func TestSend_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
	}{
		{name: "missing to", req: SendRequest{Subject: "Hi", Text: "x"}},
		{name: "missing subject", req: SendRequest{To: "bob@example.com", Text: "x"}},
		{name: "blank subject", req: SendRequest{To: "bob@example.com", Subject: "  "}},
		{name: "bad recipient", req: SendRequest{To: "not an address", Subject: "Hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Send(context.Background(), tt.req)
			if !IsValidationError(err) {
				t.Fatalf("Send() error = %v, want validation error", err)
			}
			if len(f.fake.Sent) != 0 {
				t.Error("invalid request was submitted")
			}
		})
	}
}

func TestSend_RecordsReadSentMessage(t *testing.T) {
	f := newFixture(t)

	msg, err := f.svc.Send(context.Background(), SendRequest{
		To:      "bob@example.com",
		Subject: "Hello",
		Text:    "plain",
		HTML:    "<p>html</p>",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	got, err := f.store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.Folder != model.FolderSent || !got.IsRead {
		t.Errorf("sent record folder %q read %v, want sent/true", got.Folder, got.IsRead)
	}
	if got.Sender != account || got.Identity != "sent-1@example.com" {
		t.Errorf("sent record sender %q identity %q", got.Sender, got.Identity)
	}
	if got.RemoteID != "" {
		t.Errorf("RemoteID = %q, want empty for imap", got.RemoteID)
	}

	want := []mailbox.Outgoing{{From: account, To: "bob@example.com", Subject: "Hello", Text: "plain", HTML: "<p>html</p>"}}
	if diff := cmp.Diff(want, f.fake.Sent); diff != "" {
		t.Errorf("submitted mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_GmailKeepsRemoteID(t *testing.T) {
	f := newFixture(t)
	f.fake.BackendName = mailbox.BackendGmail

	msg, err := f.svc.Send(context.Background(), SendRequest{To: "bob@example.com", Subject: "Hi"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if msg.RemoteID != msg.Identity {
		t.Errorf("RemoteID = %q, want %q", msg.RemoteID, msg.Identity)
	}
}

func TestSend_FailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.fake.SendErr = &mailbox.AuthError{Backend: mailbox.BackendIMAP, Message: "535"}

	_, err := f.svc.Send(context.Background(), SendRequest{To: "bob@example.com", Subject: "Hi"})
	if !mailbox.IsAuthError(err) {
		t.Fatalf("Send() error = %v, want auth error", err)
	}

	page, err := f.svc.List(context.Background(), ListQuery{Folder: "sent"})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("sent total = %d, want 0", page.Total)
	}
}

func TestList_StarredIsAFilter(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "1", model.FolderInbox, true, 1*time.Hour)
	f.seed(t, "b", "2", model.FolderInbox, false, 2*time.Hour)
	f.seed(t, "c", "", model.FolderSent, true, 3*time.Hour)

	tests := []struct {
		folder string
		want   []string
	}{
		{folder: "", want: []string{"a", "b"}},
		{folder: "inbox", want: []string{"a", "b"}},
		{folder: "starred", want: []string{"a", "c"}},
		{folder: "sent", want: []string{"c"}},
		{folder: "drafts", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			page, err := f.svc.List(context.Background(), ListQuery{Folder: tt.folder})
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			got := []string{}
			for _, m := range page.Messages {
				got = append(got, m.Identity)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("List(%q) mismatch (-want +got):\n%s", tt.folder, diff)
			}
		})
	}
}

func TestList_Pagination(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		f.seed(t, id, "", model.FolderInbox, false, time.Duration(i)*time.Hour)
	}

	page, err := f.svc.List(context.Background(), ListQuery{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if page.Total != 5 || page.Pages != 3 || page.Page != 2 || page.Limit != 2 {
		t.Errorf("page = %+v, want total 5 pages 3", page)
	}
	if len(page.Messages) != 2 || page.Messages[0].Identity != "c" {
		t.Errorf("page messages = %v, want c, d", page.Messages)
	}

	if _, err := f.svc.List(context.Background(), ListQuery{Folder: "trash"}); !IsValidationError(err) {
		t.Errorf("List(trash) error = %v, want validation error", err)
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	msg := f.seed(t, "a", "1", model.FolderInbox, false, 0)

	if _, err := f.svc.Update(context.Background(), msg.ID, model.MessagePatch{}); !IsValidationError(err) {
		t.Errorf("empty patch error = %v, want validation error", err)
	}

	bad := model.Folder("starred")
	if _, err := f.svc.Update(context.Background(), msg.ID, model.MessagePatch{Folder: &bad}); !IsValidationError(err) {
		t.Errorf("starred folder error = %v, want validation error", err)
	}

	read := true
	got, err := f.svc.Update(context.Background(), msg.ID, model.MessagePatch{IsRead: &read})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if !got.IsRead {
		t.Error("IsRead not applied")
	}
	if len(f.fake.Flags) != 0 {
		t.Error("Update() touched the remote mailbox")
	}

	if _, err := f.svc.Update(context.Background(), "missing", model.MessagePatch{IsRead: &read}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDelete_TrashesRemoteCopy(t *testing.T) {
	f := newFixture(t)
	msg := f.seed(t, "m1@example.com", "7", model.FolderInbox, false, 0)

	if err := f.svc.Delete(context.Background(), msg.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := f.store.GetMessage(context.Background(), msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage() after delete error = %v, want ErrNotFound", err)
	}

	want := []mailbox.Handle{{ID: "7", Identity: "m1@example.com"}}
	if diff := cmp.Diff(want, f.fake.Trashed); diff != "" {
		t.Errorf("trashed mismatch (-want +got):\n%s", diff)
	}
}

func TestDelete_RemoteFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	msg := f.seed(t, "m1@example.com", "7", model.FolderInbox, false, 0)
	f.fake.TrashErr = errors.New("connection reset")

	if err := f.svc.Delete(context.Background(), msg.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := f.svc.Delete(context.Background(), msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDelete_FingerprintOnlyStaysLocal(t *testing.T) {
	f := newFixture(t)
	msg := f.seed(t, "sha256:abcd", "", model.FolderInbox, false, 0)

	if err := f.svc.Delete(context.Background(), msg.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if f.fake.Opens != 0 {
		t.Error("mailbox opened for a message without remote counterpart")
	}
}

func TestPushFlags(t *testing.T) {
	f := newFixture(t)
	msg := f.seed(t, "m1@example.com", "7", model.FolderInbox, true, 0)

	if _, err := f.svc.PushFlags(context.Background(), msg.ID); err != nil {
		t.Fatalf("PushFlags() error: %v", err)
	}

	want := []testutil.FlagCall{{
		Handle: mailbox.Handle{ID: "7", Identity: "m1@example.com"},
		Add:    []mailbox.Flag{mailbox.FlagStarred},
		Remove: []mailbox.Flag{mailbox.FlagRead},
	}}
	if diff := cmp.Diff(want, f.fake.Flags); diff != "" {
		t.Errorf("flag calls mismatch (-want +got):\n%s", diff)
	}

	local := f.seed(t, "sha256:abcd", "", model.FolderInbox, false, 0)
	if _, err := f.svc.PushFlags(context.Background(), local.ID); !IsValidationError(err) {
		t.Errorf("PushFlags(local only) error = %v, want validation error", err)
	}
}

func TestFolderCounts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "", model.FolderInbox, true, 0)
	f.seed(t, "b", "", model.FolderInbox, false, time.Hour)
	f.seed(t, "c", "", model.FolderSent, false, 2*time.Hour)

	got, err := f.svc.FolderCounts(context.Background())
	if err != nil {
		t.Fatalf("FolderCounts() error: %v", err)
	}

	want := []FolderCount{
		{Name: "inbox", Label: "Inbox", Count: 2},
		{Name: "sent", Label: "Sent", Count: 1},
		{Name: "drafts", Label: "Drafts", Count: 0},
		{Name: "starred", Label: "Starred", Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FolderCounts() mismatch (-want +got):\n%s", diff)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	h := f.svc.Health(context.Background())
	if h.Store.Status != StatusOK || h.Remote.Status != StatusSkipped || !h.AccountSet || !h.OK() {
		t.Errorf("Health() = %+v, want store ok, remote skipped", h)
	}

	f.svc.verifier = VerifierFunc(func(ctx context.Context) error {
		return &mailbox.AuthError{Backend: mailbox.BackendIMAP, Message: "535"}
	})
	h = f.svc.Health(context.Background())
	if h.Remote.Status != StatusFailed || h.Remote.Error == "" || h.OK() {
		t.Errorf("Health() = %+v, want remote failed", h)
	}
}

func TestSync_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.fake.Add("3", "m1@example.com", testutil.RawMessage("Alice <alice@example.com>", "Again", "m1@example.com", "one"))
	f.fake.Add("2", "m2@example.com", testutil.RawMessage("Bob <bob@example.com>", "Second", "m2@example.com", "two"))
	f.fake.Add("1", "m1@example.com", testutil.RawMessage("Alice <alice@example.com>", "First", "m1@example.com", "one"))

	report, err := f.svc.Sync(context.Background(), 0)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if report.New != 2 {
		t.Errorf("Sync() New = %d, want 2", report.New)
	}

	page, err := f.svc.List(context.Background(), ListQuery{Folder: "inbox"})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("inbox total = %d, want 2", page.Total)
	}
	for _, m := range page.Messages {
		if m.IsRead {
			t.Errorf("synced message %s is read", m.Identity)
		}
	}
}

func TestTriggerSync_WithoutScheduler(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.TriggerSync(); !IsValidationError(err) {
		t.Errorf("TriggerSync() error = %v, want validation error", err)
	}
}

func TestTriggerSync_RunsInBackground(t *testing.T) {
	f := newFixture(t)
	f.fake.Add("1", "m1@example.com", testutil.RawMessage("Alice <alice@example.com>", "First", "m1@example.com", "one"))

	syncer := appsync.NewSyncer(f.fake.Opener(), f.store, appsync.Options{}, zerolog.Nop())
	poller := appsync.NewPoller(syncer, account, 0, 0, zerolog.Nop())
	f.svc.syncer = poller
	f.svc.poller = poller
	poller.Start(context.Background())
	defer poller.Stop()

	if err := f.svc.TriggerSync(); err != nil {
		t.Fatalf("TriggerSync() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.svc.Health(context.Background()).Sync.LastSync.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the background sync")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h := f.svc.Health(context.Background())
	if h.Sync.LastNew != 1 || h.Sync.State != appsync.StateIdle {
		t.Errorf("Health().Sync = %+v, want one new message", h.Sync)
	}
}
