package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

// --- fakes ---

type memUsers struct{ user *domain.User }

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	if m.user == nil || m.user.ID != id {
		return nil, out.ErrNotFound
	}
	return m.user, nil
}
func (m *memUsers) ListSyncStale(context.Context, time.Time, int) ([]*domain.User, error) {
	return nil, nil
}

type memStates struct{ state *domain.SyncState }

func (m *memStates) Get(_ context.Context, _ uuid.UUID, _ domain.Provider) (*domain.SyncState, error) {
	if m.state == nil {
		return nil, out.ErrNotFound
	}
	cp := *m.state
	return &cp, nil
}
func (m *memStates) Save(_ context.Context, s *domain.SyncState) error {
	cp := *s
	m.state = &cp
	return nil
}

type memMessages struct {
	nextID int64
	byPID  map[string]*domain.Message
}

func newMemMessages() *memMessages { return &memMessages{nextID: 1, byPID: map[string]*domain.Message{}} }

func (m *memMessages) UpsertMeta(_ context.Context, msg *domain.Message) (bool, error) {
	if _, ok := m.byPID[msg.ProviderMessageID]; ok {
		return false, nil
	}
	cp := *msg
	cp.ID = m.nextID
	m.nextID++
	m.byPID[cp.ProviderMessageID] = &cp
	return true, nil
}
func (m *memMessages) GetByID(_ context.Context, _ uuid.UUID, id int64) (*domain.Message, error) {
	for _, msg := range m.byPID {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, out.ErrNotFound
}
func (m *memMessages) GetByProviderID(_ context.Context, _ uuid.UUID, _ domain.Provider, pid string) (*domain.Message, error) {
	msg, ok := m.byPID[pid]
	if !ok {
		return nil, out.ErrNotFound
	}
	return msg, nil
}
func (m *memMessages) UpdateBody(_ context.Context, id int64, body, snippet, recipient string) error {
	for _, msg := range m.byPID {
		if msg.ID == id {
			msg.Body = body
			msg.Snippet = snippet
			msg.Recipient = recipient
		}
	}
	return nil
}
func (m *memMessages) NeedsBody(context.Context, int64) (bool, error) { return false, nil }
func (m *memMessages) WriteQualification(_ context.Context, id int64, q bool, stage domain.QualificationStage, conf float64, reason string) (bool, error) {
	for _, msg := range m.byPID {
		if msg.ID == id && msg.IsQualified == nil {
			msg.IsQualified = &q
			msg.QualificationStage = stage
			msg.QualificationConfidence = conf
			msg.QualificationReason = reason
			return true, nil
		}
	}
	return false, nil
}
func (m *memMessages) ListRecentQualified(context.Context, uuid.UUID, int) ([]*domain.Message, error) {
	return nil, nil
}

type memAttachments struct{ created int }

func (m *memAttachments) CreateRefs(_ context.Context, refs []domain.AttachmentRef) ([]domain.AttachmentRef, error) {
	m.created += len(refs)
	return refs, nil
}
func (m *memAttachments) GetByID(context.Context, int64) (*domain.AttachmentRef, error) {
	return nil, out.ErrNotFound
}
func (m *memAttachments) ListByMessage(context.Context, int64) ([]domain.AttachmentRef, error) {
	return nil, nil
}
func (m *memAttachments) UpdateDownloadState(context.Context, int64, domain.DownloadState) error {
	return nil
}

type stubCredentials struct{ err error }

func (s stubCredentials) StoreInitialCredential(context.Context, uuid.UUID, domain.Provider, string, string, int64) error {
	return nil
}
func (s stubCredentials) GetAccessToken(context.Context, uuid.UUID, domain.Provider) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "token", nil
}
func (s stubCredentials) Invalidate(context.Context, uuid.UUID, domain.Provider) error { return nil }

type scriptedProvider struct {
	pages      []*out.MessagePage
	calls      int
	lastOpts   out.ListOptions
	listErr    error
	fetchFails map[string]bool
}

func (p *scriptedProvider) Provider() domain.Provider { return domain.ProviderGmail }
func (p *scriptedProvider) ListMessages(_ context.Context, _ string, opts out.ListOptions) (*out.MessagePage, error) {
	p.lastOpts = opts
	if p.listErr != nil {
		return nil, p.listErr
	}
	idx := 0
	if opts.PageCursor != "" {
		for i, pg := range p.pages {
			if pg.NextCursor == opts.PageCursor {
				idx = i + 1
			}
		}
	}
	p.calls++
	return p.pages[idx], nil
}
func (p *scriptedProvider) FetchMessage(_ context.Context, _ string, pid string) (*domain.Message, error) {
	if p.fetchFails[pid] {
		return nil, fault.New(fault.KindProviderTransient, "fetch failed")
	}
	return &domain.Message{
		ProviderMessageID: pid,
		Body:              "please find the invoice attached",
		Snippet:           "invoice attached",
		Recipient:         "me@example.com",
	}, nil
}
func (p *scriptedProvider) FetchAttachment(context.Context, string, string, string) ([]byte, error) {
	return nil, nil
}

type stubFactory struct{ p out.EmailProviderPort }

func (f stubFactory) For(domain.Provider) (out.EmailProviderPort, error) { return f.p, nil }

type stubProducer struct{ depth int64 }

func (s *stubProducer) EnqueueAttachment(context.Context, uuid.UUID, int64, int64) (string, error) {
	return "job", nil
}
func (s *stubProducer) EnqueueDocument(context.Context, uuid.UUID, int64) (string, error) {
	return "job", nil
}
func (s *stubProducer) EnqueueSync(context.Context, uuid.UUID, domain.Provider, bool) (string, error) {
	return "job", nil
}
func (s *stubProducer) Depth(context.Context, string) (int64, error) { return s.depth, nil }

type stubQualifier struct {
	msgs    *memMessages
	calls   int
	lastErr error
}

func (q *stubQualifier) QualifyMessage(_ context.Context, userID uuid.UUID, messageID int64) (*domain.Message, error) {
	q.calls++
	if q.lastErr != nil {
		return nil, q.lastErr
	}
	msg, err := q.msgs.GetByID(context.Background(), userID, messageID)
	if err != nil {
		return nil, err
	}
	qualified := true
	msg.IsQualified = &qualified
	return msg, nil
}
func (q *stubQualifier) RecentDecisions(context.Context, uuid.UUID, int) ([]*domain.Message, error) {
	return nil, nil
}

func meta(pid string) *domain.Message {
	return &domain.Message{
		ProviderMessageID: pid,
		Sender:            "billing@acme.com",
		Subject:           "Invoice " + pid,
		ReceivedAt:        time.Now().Add(-time.Hour),
	}
}

type harness struct {
	svc      *Service
	users    *memUsers
	states   *memStates
	messages *memMessages
	provider *scriptedProvider
	qual     *stubQualifier
}

func newHarness(user *domain.User, provider *scriptedProvider) *harness {
	users := &memUsers{user: user}
	states := &memStates{}
	messages := newMemMessages()
	qual := &stubQualifier{msgs: messages}
	svc := NewService(
		Config{},
		users, states, messages, &memAttachments{},
		stubCredentials{}, stubFactory{p: provider}, &stubProducer{}, qual,
	)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return &harness{svc: svc, users: users, states: states, messages: messages, provider: provider, qual: qual}
}

func TestSyncUserFullScan(t *testing.T) {
	user := &domain.User{ID: uuid.New()}
	provider := &scriptedProvider{pages: []*out.MessagePage{
		{Messages: []*domain.Message{meta("m1"), meta("m2")}, NextCursor: "p2"},
		{Messages: []*domain.Message{meta("m3")}},
	}}
	h := newHarness(user, provider)

	report, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Fetched != 3 || report.Inserted != 3 {
		t.Errorf("report = %+v, want 3 fetched, 3 inserted", report)
	}
	if report.QualifiedSubmitted != 3 {
		t.Errorf("qualified = %d, want 3", report.QualifiedSubmitted)
	}
	if h.states.state.Status != domain.SyncIdle {
		t.Errorf("status = %s, want idle", h.states.state.Status)
	}
	if h.states.state.LastSyncAt == nil {
		t.Error("last_sync_at must be set after a full pass")
	}
	if h.qual.calls != 3 {
		t.Errorf("qualification calls = %d, want 3", h.qual.calls)
	}
}

func TestSyncUserConcurrentCallRejected(t *testing.T) {
	user := &domain.User{ID: uuid.New()}
	h := newHarness(user, &scriptedProvider{pages: []*out.MessagePage{{}}})

	if !h.svc.tryLock(user.ID) {
		t.Fatal("lock should be free")
	}
	defer h.svc.unlock(user.ID)

	_, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, false)
	if fault.KindOf(err) != fault.KindSyncInProgress {
		t.Errorf("kind = %s, want sync_in_progress", fault.KindOf(err))
	}
}

func TestSyncUserCapStopsScan(t *testing.T) {
	user := &domain.User{ID: uuid.New(), MaxEmailsPerSync: 1}
	provider := &scriptedProvider{pages: []*out.MessagePage{
		{Messages: []*domain.Message{meta("m1"), meta("m2")}, NextCursor: "p2"},
		{Messages: []*domain.Message{meta("m3")}},
	}}
	h := newHarness(user, provider)

	report, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", report.Inserted)
	}
	if h.states.state.Status != domain.SyncPartial {
		t.Errorf("status = %s, want partial", h.states.state.Status)
	}
	if h.states.state.LastSyncAt != nil {
		t.Error("capped sync must not advance last_sync_at")
	}
}

func TestSyncUserWindowAndOverlap(t *testing.T) {
	user := &domain.User{ID: uuid.New(), WindowMonths: 3}
	provider := &scriptedProvider{pages: []*out.MessagePage{{}}}
	h := newHarness(user, provider)

	last := time.Now().Add(-48 * time.Hour)
	h.states.state = &domain.SyncState{
		UserID: user.ID, Provider: domain.ProviderGmail,
		Status: domain.SyncIdle, LastSyncAt: &last,
	}

	if _, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, false); err != nil {
		t.Fatal(err)
	}

	want := last.Add(-24 * time.Hour)
	got := provider.lastOpts.Since
	if diff := got.Sub(want); diff < -time.Second || diff > time.Second {
		t.Errorf("since = %v, want last_sync - 24h = %v", got, want)
	}
}

func TestSyncUserForceIgnoresLastSync(t *testing.T) {
	user := &domain.User{ID: uuid.New(), WindowMonths: 3}
	provider := &scriptedProvider{pages: []*out.MessagePage{{}}}
	h := newHarness(user, provider)

	last := time.Now().Add(-time.Hour)
	h.states.state = &domain.SyncState{
		UserID: user.ID, Provider: domain.ProviderGmail,
		Status: domain.SyncIdle, LastSyncAt: &last,
	}

	if _, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, true); err != nil {
		t.Fatal(err)
	}

	floor := time.Now().AddDate(0, -3, 0)
	got := provider.lastOpts.Since
	if diff := got.Sub(floor); diff < -time.Minute || diff > time.Minute {
		t.Errorf("forced sync since = %v, want window floor %v", got, floor)
	}
}

func TestSyncUserCredentialRevokedAborts(t *testing.T) {
	user := &domain.User{ID: uuid.New()}
	h := newHarness(user, &scriptedProvider{pages: []*out.MessagePage{{}}})
	h.svc.credentials = stubCredentials{err: fault.New(fault.KindCredentialRevoked, "revoked")}

	_, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, false)
	if fault.KindOf(err) != fault.KindCredentialRevoked {
		t.Errorf("kind = %s, want credential_revoked", fault.KindOf(err))
	}
	if h.states.state.Status != domain.SyncFailed {
		t.Errorf("status = %s, want failed", h.states.state.Status)
	}
}

func TestSyncUserTransientListFailureSavesPartialState(t *testing.T) {
	user := &domain.User{ID: uuid.New()}
	provider := &scriptedProvider{
		pages:   []*out.MessagePage{{}},
		listErr: fault.New(fault.KindProviderTransient, "upstream 503"),
	}
	h := newHarness(user, provider)

	_, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, false)
	if fault.KindOf(err) != fault.KindProviderTransient {
		t.Fatalf("kind = %s, want provider_transient", fault.KindOf(err))
	}
	if h.states.state.Status != domain.SyncPartial {
		t.Errorf("status = %s, want partial", h.states.state.Status)
	}
}

func TestSyncUserPerMessageFetchFailureDoesNotAbort(t *testing.T) {
	user := &domain.User{ID: uuid.New()}
	provider := &scriptedProvider{
		pages: []*out.MessagePage{
			{Messages: []*domain.Message{meta("bad"), meta("good")}},
		},
		fetchFails: map[string]bool{"bad": true},
	}
	h := newHarness(user, provider)

	report, err := h.svc.SyncUser(context.Background(), user.ID, domain.ProviderGmail, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Fetched != 2 || report.Inserted != 2 {
		t.Errorf("report = %+v, want 2 fetched, 2 inserted", report)
	}
	// Only the message whose body arrived gets qualified; the other
	// stays pending for the next sync.
	if report.QualifiedSubmitted != 1 {
		t.Errorf("qualified = %d, want 1", report.QualifiedSubmitted)
	}
}
