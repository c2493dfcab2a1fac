package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"actsync/internal/platform/models"
)

const (
	EventNeedsReauth = "integration.needs_reauth"
	EventSyncFailed  = "sync.failed"
)

// Notifier posts signed outbound notifications to a single configured URL.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewNotifier returns nil when url is empty; a nil Notifier drops notifications.
func NewNotifier(url, secret string, client *http.Client) *Notifier {
	if url == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{url: url, secret: secret, client: client, now: time.Now}
}

func (n *Notifier) Notify(ctx context.Context, event, userID string, data interface{}) error {
	if n == nil {
		return nil
	}

	notification := &models.Notification{
		ID:        "evt_" + uuid.New().String(),
		Event:     event,
		Timestamp: n.now().Unix(),
		UserID:    userID,
		Data:      data,
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actsync-Signature", Sign(n.secret, payload))
	req.Header.Set("X-Actsync-Event", notification.Event)
	req.Header.Set("X-Actsync-Delivery", notification.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify %s: HTTP %d", event, resp.StatusCode)
	}
	return nil
}
