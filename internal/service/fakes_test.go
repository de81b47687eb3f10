package service

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/metrionix/internal/crypto/sealer"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/oauth"
	"github.com/and161185/metrionix/internal/platform"
	"github.com/and161185/metrionix/internal/repository"
	"github.com/gofrs/uuid/v5"
)

type fakeCreds struct {
	mu   sync.Mutex
	rows map[model.IntegrationKey]*model.Credential

	upsertErr error
	getErr    error
	deleteErr error

	upserts  int
	synced   int
	statuses []model.IntegrationStatus
}

var _ repository.CredentialRepository = (*fakeCreds)(nil)

func newFakeCreds() *fakeCreds {
	return &fakeCreds{rows: map[model.IntegrationKey]*model.Credential{}}
}

func (f *fakeCreds) Upsert(_ context.Context, c *model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	cpy := *c
	cpy.IsActive, cpy.Status, cpy.LastError = true, model.StatusConnected, ""
	f.rows[c.Key()] = &cpy
	return nil
}

func (f *fakeCreds) Get(_ context.Context, key model.IntegrationKey) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.rows[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cpy := *c
	return &cpy, nil
}

func (f *fakeCreds) List(_ context.Context, agencyID uuid.UUID) ([]model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Credential
	for _, c := range f.rows {
		if c.AgencyID == agencyID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCreds) UpdateBlob(_ context.Context, key model.IntegrationKey, blob model.EncryptedBlob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[key]
	if !ok {
		return errs.ErrNotFound
	}
	c.Blob = append(model.EncryptedBlob(nil), blob...)
	return nil
}

func (f *fakeCreds) MarkSynced(_ context.Context, key model.IntegrationKey, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[key]
	if !ok {
		return errs.ErrNotFound
	}
	f.synced++
	c.LastSync, c.Status, c.LastError = &at, model.StatusConnected, ""
	return nil
}

func (f *fakeCreds) MarkStatus(_ context.Context, key model.IntegrationKey, st model.IntegrationStatus, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	c, ok := f.rows[key]
	if !ok {
		return errs.ErrNotFound
	}
	c.Status, c.LastError = st, lastErr
	return nil
}

func (f *fakeCreds) Delete(_ context.Context, key model.IntegrationKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.rows[key]; !ok {
		return errs.ErrNotFound
	}
	delete(f.rows, key)
	return nil
}

func (f *fakeCreds) get(key model.IntegrationKey) *model.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.rows[key]
	if c == nil {
		return nil
	}
	cpy := *c
	return &cpy
}

// fakeMetrics keeps rows keyed like the real upsert, so re-syncs overwrite.
type fakeMetrics struct {
	mu   sync.Mutex
	rows map[model.Platform]map[model.RowKey]model.MetricRecord
	err  error

	batches []int
}

var _ repository.MetricRepository = (*fakeMetrics)(nil)

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{rows: map[model.Platform]map[model.RowKey]model.MetricRecord{}}
}

func (f *fakeMetrics) UpsertBatch(_ context.Context, p model.Platform, rows []model.MetricRecord, batchSize int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batchSize)
	if f.err != nil {
		return 0, f.err
	}
	if f.rows[p] == nil {
		f.rows[p] = map[model.RowKey]model.MetricRecord{}
	}
	for _, r := range rows {
		f.rows[p][r.Key()] = r
	}
	return len(rows), nil
}

func (f *fakeMetrics) count(p model.Platform) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[p])
}

type fakeWebhooks struct {
	mu     sync.Mutex
	logs   []model.WebhookLog
	orders map[string]model.Order
	err    error
}

var _ repository.WebhookRepository = (*fakeWebhooks)(nil)

func (f *fakeWebhooks) Record(_ context.Context, log model.WebhookLog, m model.OrderMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.orders == nil {
		f.orders = map[string]model.Order{}
	}
	f.logs = append(f.logs, log)
	switch m.Op {
	case model.OrderOpUpsert:
		f.orders[m.Order.ExternalID] = m.Order
	case model.OrderOpDelete:
		if o, ok := f.orders[m.Order.ExternalID]; ok {
			o.Status = "trash"
			f.orders[m.Order.ExternalID] = o
		}
	}
	return nil
}

// fakeAdapter returns fixed rows, optionally blocking until released.
type fakeAdapter struct {
	p     model.Platform
	rows  []model.MetricRecord
	err   error
	gate  chan struct{}
	calls int
	mu    sync.Mutex
	token string
}

var _ platform.Adapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) Platform() model.Platform { return a.p }

func (a *fakeAdapter) FetchMetrics(ctx context.Context, cred platform.Credential, _ model.DateRange) ([]model.MetricRecord, error) {
	a.mu.Lock()
	a.calls++
	a.token = cred.Tokens.AccessToken
	a.mu.Unlock()
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	out := make([]model.MetricRecord, len(a.rows))
	copy(out, a.rows)
	for i := range out {
		out[i].AgencyID, out[i].Platform, out[i].AccountID = cred.Key.AgencyID, cred.Key.Platform, cred.Key.AccountID
	}
	return out, nil
}

func (a *fakeAdapter) DeriveMetrics(row *model.MetricRecord) {
	row.CTR = float64(row.Clicks) / float64(row.Impressions)
}

type fakeReconnector struct {
	mu   sync.Mutex
	keys []model.IntegrationKey
}

func (f *fakeReconnector) ReconnectRequired(_ context.Context, key model.IntegrationKey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

type fakeRefresher struct {
	tokens model.Tokens
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(context.Context, model.IntegrationKey, model.Tokens) (model.Tokens, error) {
	f.calls++
	return f.tokens, f.err
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []oauth.Message
}

func (f *fakePublisher) Publish(m oauth.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
}

type fakeResyncer struct {
	reqs chan SyncRequest
}

func (f *fakeResyncer) Sync(_ context.Context, req SyncRequest) (model.SyncResult, error) {
	f.reqs <- req
	return model.SyncResult{Success: true}, nil
}

func testSealer() *sealer.Sealer {
	s, err := sealer.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		panic(err)
	}
	return s
}
