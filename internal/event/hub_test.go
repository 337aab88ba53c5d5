package event

import (
	"testing"
)

func TestHubPublishOrder(t *testing.T) {
	hub := NewHub[int]()
	var got []string

	hub.Subscribe(func(v int) { got = append(got, "a") })
	hub.Subscribe(func(v int) { got = append(got, "b") })

	hub.Publish(1)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestHubCancel(t *testing.T) {
	hub := NewHub[string]()
	calls := 0
	cancel := hub.Subscribe(func(string) { calls++ })

	hub.Publish("x")
	cancel()
	cancel()
	hub.Publish("y")

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if hub.Len() != 0 {
		t.Errorf("expected no subscribers, got %d", hub.Len())
	}
}

func TestHubCancelDuringPublish(t *testing.T) {
	hub := NewHub[int]()
	var cancelB func()
	calls := map[string]int{}

	hub.Subscribe(func(int) {
		calls["a"]++
		cancelB()
	})
	cancelB = hub.Subscribe(func(int) { calls["b"]++ })

	hub.Publish(1)
	hub.Publish(2)

	if calls["a"] != 2 {
		t.Errorf("expected a called twice, got %d", calls["a"])
	}
	if calls["b"] != 1 {
		t.Errorf("expected b called once before removal took effect, got %d", calls["b"])
	}
}
