package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"whisperim/pkg/domain"
)

const notificationTTL = 60

// SubscriptionSource resolves the devices registered for a user.
type SubscriptionSource interface {
	GetUserByID(id string) (domain.User, bool, error)
}

// sendFunc matches webpush.SendNotificationWithContext, swappable in
// tests.
type sendFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// WebPushDispatcher sends VAPID-signed Web Push messages directly to the
// push services behind a user's subscriptions.
type WebPushDispatcher struct {
	source     SubscriptionSource
	subscriber string
	publicKey  string
	privateKey string
	send       sendFunc
	logger     *slog.Logger
}

// NewWebPushDispatcher constructs a dispatcher with the server's VAPID
// key pair. Subscriber is the contact address push services may use.
func NewWebPushDispatcher(source SubscriptionSource, subscriber, publicKey, privateKey string) *WebPushDispatcher {
	return &WebPushDispatcher{
		source:     source,
		subscriber: subscriber,
		publicKey:  publicKey,
		privateKey: privateKey,
		send:       webpush.SendNotificationWithContext,
		logger:     slog.Default().With("component", "webpush"),
	}
}

// Dispatch fans the notification out to every active subscription
// concurrently. Individual endpoint failures are logged and do not stop
// the rest of the fan-out.
func (d *WebPushDispatcher) Dispatch(ctx context.Context, userID string, note Notification) error {
	user, ok, err := d.source.GetUserByID(userID)
	if err != nil {
		return fmt.Errorf("resolve subscriptions: %w", err)
	}
	if !ok {
		return nil
	}
	subs := user.ActiveSubscriptions()
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			target := &webpush.Subscription{
				Endpoint: sub.Endpoint,
				Keys: webpush.Keys{
					Auth:   sub.Keys.Auth,
					P256dh: sub.Keys.P256dh,
				},
			}
			resp, err := d.send(ctx, payload, target, &webpush.Options{
				Subscriber:      d.subscriber,
				VAPIDPublicKey:  d.publicKey,
				VAPIDPrivateKey: d.privateKey,
				TTL:             notificationTTL,
			})
			if err != nil {
				d.logger.Warn("push send failed", "user_id", userID, "endpoint", sub.Endpoint, "error", err)
				return nil
			}
			defer resp.Body.Close()
			if resp.StatusCode >= http.StatusBadRequest {
				d.logger.Warn("push endpoint rejected notification",
					"user_id", userID, "endpoint", sub.Endpoint, "status", resp.StatusCode)
			}
			return nil
		})
	}
	return g.Wait()
}
