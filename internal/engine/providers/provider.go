// Package providers defines the contract every third-party adapter fulfils and
// the registry the orchestrator and webhook endpoint dispatch through.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"actsync/internal/platform/models"
)

var ErrUnknownProvider = errors.New("no adapter registered for provider")

type ListRequest struct {
	AccessToken string
	Cursor      string
	// Since is nil for a full sync.
	Since  *time.Time
	Config map[string]interface{}
}

type Page struct {
	Items      []json.RawMessage
	NextCursor string
	HasMore    bool
}

// Delivery is what an adapter can tell about an inbound webhook before it is
// stored. IntegrationID is only set when the provider echoes an id we handed it.
type Delivery struct {
	ID            string
	EventType     string
	Action        string
	ExternalID    string
	TeamID        string
	IntegrationID string
	SentAt        time.Time
	Challenge     string
	// Ignore marks provider handshakes that carry no activity.
	Ignore bool
}

type WebhookInput struct {
	AccessToken string
	EventType   string
	Action      string
	ExternalID  string
	Body        json.RawMessage
}

type Adapter interface {
	Provider() models.Provider
	ListPage(ctx context.Context, req ListRequest) (*Page, error)
	Normalize(raw json.RawMessage) (*models.Record, error)
	// NormalizeWebhook returns a nil record for events that carry nothing to ingest.
	NormalizeWebhook(ctx context.Context, in WebhookInput) (*models.Record, error)
	VerifyWebhook(header http.Header, body []byte, secret string) error
	DescribeWebhook(header http.Header, body []byte) (*Delivery, error)
	Account(ctx context.Context, token *oauth2.Token) (*models.AccountInfo, error)
}

type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry panics on a duplicate provider; the set is fixed at startup.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Provider()]; dup {
			panic(fmt.Sprintf("providers: adapter for %s registered twice", a.Provider()))
		}
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Get(p models.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	return a, nil
}

func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
