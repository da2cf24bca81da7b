package tracker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	commonhttp "github.com/krisnaDGC/postmangovsg/internal/common/http"
)

// HTTPConfirmer visits SNS SubscribeURLs. Only https URLs on hostSuffix
// are followed.
type HTTPConfirmer struct {
	client     *commonhttp.Client
	hostSuffix string
}

func NewHTTPConfirmer(client *commonhttp.Client, hostSuffix string) *HTTPConfirmer {
	if hostSuffix == "" {
		hostSuffix = ".amazonaws.com"
	}
	return &HTTPConfirmer{client: client, hostSuffix: hostSuffix}
}

func (c *HTTPConfirmer) Confirm(ctx context.Context, subscribeURL string) error {
	if err := c.check(subscribeURL); err != nil {
		return err
	}
	return c.client.Get(ctx, subscribeURL)
}

func (c *HTTPConfirmer) check(subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil {
		return fmt.Errorf("parse subscribe url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("subscribe url must use https")
	}
	if !strings.HasSuffix(u.Hostname(), c.hostSuffix) {
		return fmt.Errorf("subscribe url host %q not allowed", u.Hostname())
	}
	return nil
}
