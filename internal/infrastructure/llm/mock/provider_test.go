package mock

import (
	"context"
	"testing"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

func TestProviderReplaysScriptedResponsesInOrder(t *testing.T) {
	p := New("scripted", []entity.ProviderResponse{
		{Content: "first"},
		{Content: "second"},
	})

	history := entity.History{Messages: []entity.Message{{Role: entity.RoleUser, Content: "hi"}}}

	resp, err := p.Complete(context.Background(), history)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "first" {
		t.Fatalf("want first, got %q", resp.Content)
	}

	resp, err = p.Complete(context.Background(), history)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "second" {
		t.Fatalf("want second, got %q", resp.Content)
	}
}

func TestProviderRepeatsLastResponseOnceExhausted(t *testing.T) {
	p := New("scripted", []entity.ProviderResponse{{Content: "only"}})
	history := entity.History{Messages: []entity.Message{{Role: entity.RoleUser, Content: "hi"}}}

	for i := 0; i < 3; i++ {
		resp, err := p.Complete(context.Background(), history)
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != "only" {
			t.Fatalf("call %d: want only, got %q", i, resp.Content)
		}
	}
	if p.Calls() != 3 {
		t.Fatalf("want 3 recorded calls, got %d", p.Calls())
	}
}

func TestProviderWithNoScriptedResponsesErrors(t *testing.T) {
	p := New("empty", nil)
	_, err := p.Complete(context.Background(), entity.History{})
	if err == nil {
		t.Fatal("want error for empty script")
	}
}
