package adapters

import (
	"context"
	"testing"

	playbook "github.com/parchmint/playbook-engine"
)

func TestGenkitCompletionAdapterRequiresFlow(t *testing.T) {
	adapter := NewGenkitCompletionAdapter(nil)

	_, err := adapter.Complete(context.Background(), playbook.CompletionRequest{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error for unconfigured flow")
	}
	if !playbook.HasCode(err, playbook.ErrCodeConfiguration) {
		t.Errorf("expected %s, got %v", playbook.ErrCodeConfiguration, err)
	}

	err = adapter.CompleteStream(context.Background(), playbook.CompletionRequest{Prompt: "hello"}, func(chunk string) error {
		t.Error("stream callback must not fire on a configuration error")
		return nil
	})
	if err == nil {
		t.Fatal("expected stream error for unconfigured flow")
	}
}
