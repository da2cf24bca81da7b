package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/krisnaDGC/postmangovsg/internal/common/database"
)

// ElasticsearchAudit indexes applied delivery events. The document id is
// derived from the event so redelivered callbacks overwrite instead of duplicating.
type ElasticsearchAudit struct {
	client *database.ElasticsearchClient
	index  string
}

func NewElasticsearchAudit(client *database.ElasticsearchClient, index string) *ElasticsearchAudit {
	if index == "" {
		index = "delivery-events"
	}
	return &ElasticsearchAudit{client: client, index: index}
}

func (a *ElasticsearchAudit) Record(ctx context.Context, event AuditEvent) error {
	id := fmt.Sprintf("%s:%s", event.ProviderMessageID, strings.ToLower(event.Event))
	return a.client.IndexDocument(ctx, a.index, id, event)
}
