package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

// NewMemoryStores returns in-process stores with the same compare-and-set
// rules as Postgres. Used by the "memory" driver and by tests.
func NewMemoryStores() *Stores {
	return &Stores{
		Messages:  NewMemoryMessages(),
		Campaigns: NewMemoryCampaigns(),
		Blacklist: NewMemoryBlacklist(),
	}
}

type messageKey struct {
	campaignID int64
	recipient  string
}

type MemoryMessages struct {
	mu         sync.Mutex
	messages   map[messageKey]*models.Message
	byProvider map[string]messageKey
	parked     map[string]models.Outcome
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		messages:   make(map[messageKey]*models.Message),
		byProvider: make(map[string]messageKey),
		parked:     make(map[string]models.Outcome),
	}
}

var _ MessageRepository = (*MemoryMessages)(nil)

func (m *MemoryMessages) CreatePending(_ context.Context, campaignID int64, recipients []models.Recipient) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	now := time.Now().UTC()
	for _, r := range recipients {
		key := messageKey{campaignID, r.Recipient}
		if _, ok := m.messages[key]; ok {
			continue
		}
		m.messages[key] = &models.Message{
			CampaignID: campaignID,
			Recipient:  r.Recipient,
			Params:     copyParams(r.Params),
			UpdatedAt:  now,
		}
		inserted++
	}
	return inserted, nil
}

func (m *MemoryMessages) Get(_ context.Context, campaignID int64, recipient string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageKey{campaignID, recipient}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	cp.Params = copyParams(msg.Params)
	return &cp, nil
}

func (m *MemoryMessages) MarkDequeued(_ context.Context, campaignID int64, recipient string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg, ok := m.messages[messageKey{campaignID, recipient}]; ok && msg.DequeuedAt == nil {
		msg.DequeuedAt = &at
		msg.UpdatedAt = at
	}
	return nil
}

func (m *MemoryMessages) MarkSending(_ context.Context, campaignID int64, recipient, providerMessageID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := messageKey{campaignID, recipient}
	msg, ok := m.messages[key]
	if !ok || msg.Status != models.StatusUnsent {
		return false, nil
	}
	msg.Status = models.StatusSending
	msg.ProviderMessageID = providerMessageID
	msg.SentAt = &at
	msg.UpdatedAt = at
	m.byProvider[providerMessageID] = key

	if o, ok := m.parked[providerMessageID]; ok {
		delete(m.parked, providerMessageID)
		delivered := o.At
		msg.Status = o.Status
		msg.ErrorCode = o.ErrorCode
		msg.DeliveredAt = &delivered
		msg.UpdatedAt = delivered
	}
	return true, nil
}

func (m *MemoryMessages) MarkFailed(_ context.Context, campaignID int64, recipient string, f models.Failure, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageKey{campaignID, recipient}]
	if !ok || msg.Status.IsTerminal() {
		return false, nil
	}
	msg.Status = f.Status
	msg.ErrorCode = f.ErrorCode
	msg.Retryable = f.Retryable
	msg.UpdatedAt = at
	return true, nil
}

func (m *MemoryMessages) ApplyOutcome(_ context.Context, o models.Outcome) (*models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byProvider[o.ProviderMessageID]
	if !ok {
		if _, dup := m.parked[o.ProviderMessageID]; !dup {
			m.parked[o.ProviderMessageID] = o
		}
		return nil, false, nil
	}
	msg := m.messages[key]
	if msg.Status.IsTerminal() {
		return nil, false, nil
	}
	at := o.At
	msg.Status = o.Status
	msg.ErrorCode = o.ErrorCode
	msg.DeliveredAt = &at
	msg.UpdatedAt = at

	return &models.Message{
		CampaignID:        msg.CampaignID,
		Recipient:         msg.Recipient,
		ProviderMessageID: o.ProviderMessageID,
		Status:            o.Status,
		ErrorCode:         o.ErrorCode,
		DeliveredAt:       &at,
	}, true, nil
}

func (m *MemoryMessages) MarkReceived(_ context.Context, providerMessageID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byProvider[providerMessageID]
	if !ok {
		return false, nil
	}
	msg := m.messages[key]
	if msg.ReceivedAt != nil {
		return false, nil
	}
	msg.ReceivedAt = &at
	msg.UpdatedAt = at
	return true, nil
}

func (m *MemoryMessages) CountByStatus(_ context.Context, campaignID int64) (models.CampaignStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats models.CampaignStats
	for key, msg := range m.messages {
		if key.campaignID == campaignID {
			stats.Add(msg.Status, 1)
		}
	}
	return stats, nil
}

func (m *MemoryMessages) PendingRecipients(_ context.Context, campaignID int64) ([]models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Recipient
	for key, msg := range m.messages {
		if key.campaignID == campaignID && msg.Status == models.StatusUnsent {
			out = append(out, models.Recipient{Recipient: msg.Recipient, Params: copyParams(msg.Params)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out, nil
}

func copyParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type MemoryCampaigns struct {
	mu        sync.Mutex
	campaigns map[int64]*models.Campaign
	completed map[int64]map[string]struct{}
}

func NewMemoryCampaigns() *MemoryCampaigns {
	return &MemoryCampaigns{
		campaigns: make(map[int64]*models.Campaign),
		completed: make(map[int64]map[string]struct{}),
	}
}

var _ CampaignRepository = (*MemoryCampaigns)(nil)

func (c *MemoryCampaigns) Ensure(_ context.Context, id int64, channel models.ChannelType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.campaigns[id]; !ok {
		c.campaigns[id] = &models.Campaign{ID: id, ChannelType: channel, Status: models.JobReady, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (c *MemoryCampaigns) Get(_ context.Context, id int64) (*models.Campaign, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	camp, ok := c.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *camp
	if camp.Stats != nil {
		stats := *camp.Stats
		cp.Stats = &stats
	}
	return &cp, nil
}

func (c *MemoryCampaigns) MarkEnqueued(_ context.Context, id int64, pendingJobs int, redispatch bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	camp, ok := c.campaigns[id]
	if !ok || !slices.Contains(enqueueableFrom(redispatch), camp.Status) {
		return errors.NewInvalidStatusError(id, string(models.JobEnqueued))
	}
	camp.Status = models.JobEnqueued
	camp.PendingJobs = pendingJobs
	camp.LastError = ""
	camp.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *MemoryCampaigns) Transition(_ context.Context, id int64, from []models.JobStatus, to models.JobStatus) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	camp, ok := c.campaigns[id]
	if !ok || !slices.Contains(from, camp.Status) {
		return false, nil
	}
	camp.Status = to
	camp.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (c *MemoryCampaigns) MarkStopped(_ context.Context, id int64, lastError string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	camp, ok := c.campaigns[id]
	if !ok || !slices.Contains(AllowedFrom(models.JobStopped), camp.Status) {
		return false, nil
	}
	camp.Status = models.JobStopped
	if lastError != "" {
		camp.LastError = lastError
	}
	camp.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (c *MemoryCampaigns) CompleteJob(_ context.Context, id int64, jobID string) (*JobCompletion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	camp, ok := c.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	done := c.completed[id]
	if done == nil {
		done = make(map[string]struct{})
		c.completed[id] = done
	}
	if _, seen := done[jobID]; seen {
		return &JobCompletion{Remaining: camp.PendingJobs, Status: camp.Status, Duplicate: true}, nil
	}
	done[jobID] = struct{}{}

	if camp.PendingJobs > 0 {
		camp.PendingJobs--
	}
	camp.UpdatedAt = time.Now().UTC()
	return &JobCompletion{Remaining: camp.PendingJobs, Status: camp.Status}, nil
}

func (c *MemoryCampaigns) MarkLogged(_ context.Context, id int64, stats models.CampaignStats) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	camp, ok := c.campaigns[id]
	if !ok || !slices.Contains(AllowedFrom(models.JobLogged), camp.Status) {
		return errors.NewInvalidStatusError(id, string(models.JobLogged))
	}
	camp.Status = models.JobLogged
	camp.Stats = &stats
	camp.UpdatedAt = time.Now().UTC()
	return nil
}

type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]string)}
}

var _ BlacklistRepository = (*MemoryBlacklist)(nil)

func (b *MemoryBlacklist) IsBlacklisted(_ context.Context, recipient string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[normalizeAddress(recipient)]
	return ok, nil
}

func (b *MemoryBlacklist) Add(_ context.Context, recipient, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := normalizeAddress(recipient)
	if _, ok := b.entries[key]; !ok {
		b.entries[key] = reason
	}
	return nil
}
