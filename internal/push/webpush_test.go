package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"whisperim/pkg/domain"
	"whisperim/pkg/store"
)

func okResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader(""))}
}

func TestWebPushDispatchFansOut(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveUser(domain.User{ID: "alice", Username: "alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	for _, ep := range []string{"https://push.example.com/a", "https://push.example.com/b"} {
		sub := domain.PushSubscription{Endpoint: ep, Keys: domain.SubscriptionKeys{P256dh: "p", Auth: "a"}}
		if _, err := st.AddPushSubscription("alice", sub); err != nil {
			t.Fatalf("add subscription: %v", err)
		}
	}

	d := NewWebPushDispatcher(st, "mailto:ops@example.com", "pub", "priv")
	var mu sync.Mutex
	endpoints := make(map[string][]byte)
	d.send = func(ctx context.Context, message []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
		if options.VAPIDPublicKey != "pub" || options.Subscriber != "mailto:ops@example.com" {
			t.Errorf("unexpected options: %+v", options)
		}
		mu.Lock()
		endpoints[sub.Endpoint] = message
		mu.Unlock()
		return okResponse(), nil
	}

	note := Notification{Title: "Whisp_AbCdEfGh", Body: "hello", ConversationID: "c1"}
	if err := d.Dispatch(context.Background(), "alice", note); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("sent to %d endpoints, want 2", len(endpoints))
	}
	for ep, payload := range endpoints {
		var got Notification
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("payload for %s: %v", ep, err)
		}
		if got != note {
			t.Fatalf("payload for %s = %+v, want %+v", ep, got, note)
		}
	}
}

func TestWebPushDispatchToleratesEndpointFailure(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveUser(domain.User{ID: "alice", Username: "alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	for _, ep := range []string{"https://push.example.com/dead", "https://push.example.com/live"} {
		sub := domain.PushSubscription{Endpoint: ep, Keys: domain.SubscriptionKeys{P256dh: "p", Auth: "a"}}
		if _, err := st.AddPushSubscription("alice", sub); err != nil {
			t.Fatalf("add subscription: %v", err)
		}
	}

	d := NewWebPushDispatcher(st, "mailto:ops@example.com", "pub", "priv")
	var mu sync.Mutex
	var reached []string
	d.send = func(ctx context.Context, message []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
		mu.Lock()
		reached = append(reached, sub.Endpoint)
		mu.Unlock()
		if strings.HasSuffix(sub.Endpoint, "dead") {
			return nil, errors.New("connection refused")
		}
		return okResponse(), nil
	}

	if err := d.Dispatch(context.Background(), "alice", Notification{Body: "hi"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(reached) != 2 {
		t.Fatalf("reached %d endpoints, want both despite the failure", len(reached))
	}
}

func TestWebPushDispatchNoSubscriptions(t *testing.T) {
	st := store.NewMemoryStore()
	if err := st.SaveUser(domain.User{ID: "alice", Username: "alice"}); err != nil {
		t.Fatalf("save user: %v", err)
	}

	d := NewWebPushDispatcher(st, "mailto:ops@example.com", "pub", "priv")
	called := false
	d.send = func(ctx context.Context, message []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
		called = true
		return okResponse(), nil
	}

	if err := d.Dispatch(context.Background(), "alice", Notification{Body: "hi"}); err != nil {
		t.Fatalf("dispatch without subscriptions: %v", err)
	}
	if err := d.Dispatch(context.Background(), "ghost", Notification{Body: "hi"}); err != nil {
		t.Fatalf("dispatch for unknown user: %v", err)
	}
	if called {
		t.Fatal("send was called with nothing to deliver")
	}
}
