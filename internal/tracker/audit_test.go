package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisnaDGC/postmangovsg/internal/common/config"
	"github.com/krisnaDGC/postmangovsg/internal/common/database"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

type indexRequest struct {
	method string
	path   string
	body   map[string]interface{}
}

func newElasticsearchStub(t *testing.T, status int) (*database.ElasticsearchClient, func() []indexRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		reqs []indexRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)

		mu.Lock()
		reqs = append(reqs, indexRequest{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(srv.Close)

	client, err := database.NewElasticsearch(config.ElasticsearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	return client, func() []indexRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]indexRequest(nil), reqs...)
	}
}

func TestElasticsearchAudit_IndexesByEventID(t *testing.T) {
	client, requests := newElasticsearchStub(t, http.StatusCreated)
	audit := NewElasticsearchAudit(client, "")

	event := AuditEvent{
		Parser:            "ses",
		Event:             "Delivery",
		ProviderMessageID: "pid-1",
		CampaignID:        7,
		Status:            models.StatusSuccess,
		At:                time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, audit.Record(context.Background(), event))
	require.NoError(t, audit.Record(context.Background(), event))

	reqs := requests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, http.MethodPut, r.method)
		assert.Equal(t, "/delivery-events/_doc/pid-1:delivery", r.path)
		assert.Equal(t, "pid-1", r.body["providerMessageId"])
		assert.Equal(t, float64(7), r.body["campaignId"])
	}
}

func TestElasticsearchAudit_ReportsIndexErrors(t *testing.T) {
	client, _ := newElasticsearchStub(t, http.StatusInternalServerError)
	audit := NewElasticsearchAudit(client, "audit")

	err := audit.Record(context.Background(), AuditEvent{Event: "Bounce", ProviderMessageID: "pid-2"})
	assert.Error(t, err)
}
