package memory

import (
	"path/filepath"
	"testing"
)

// storeImpls runs each test against every Store implementation.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()

	sqlStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "chatlog.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })

	return map[string]Store{
		"mem":    NewMemStore(),
		"sqlite": sqlStore,
	}
}

func roles(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestAppendAndHistory(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			const conv = "conv-1"

			if err := store.SetSystemPrompt(conv, "You are helpful."); err != nil {
				t.Fatalf("SetSystemPrompt: %v", err)
			}
			if err := store.Append(conv, Message{Role: "user", Content: "hi"}); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := store.Append(conv, Message{Role: "assistant", Content: "hello"}); err != nil {
				t.Fatalf("Append: %v", err)
			}

			history, err := store.History(conv)
			if err != nil {
				t.Fatalf("History: %v", err)
			}

			want := []string{"system", "user", "assistant"}
			got := roles(history)
			if len(got) != len(want) {
				t.Fatalf("History roles = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("History[%d].Role = %q, want %q", i, got[i], want[i])
				}
			}
			if history[0].Content != "You are helpful." {
				t.Errorf("system prompt = %q", history[0].Content)
			}
			if history[2].Content != "hello" {
				t.Errorf("assistant reply = %q", history[2].Content)
			}
		})
	}
}

func TestHistoryEmptyConversation(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			history, err := store.History("never-seen")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 0 {
				t.Errorf("History = %v, want empty", history)
			}
		})
	}
}

func TestSetSystemPromptReplaces(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			const conv = "conv-1"
			store.SetSystemPrompt(conv, "first")
			store.SetSystemPrompt(conv, "second")

			history, err := store.History(conv)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 1 || history[0].Content != "second" {
				t.Errorf("History = %v, want single replaced prompt", history)
			}
		})
	}
}

func TestTruncateClear(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			const conv = "conv-1"
			store.SetSystemPrompt(conv, "prompt")
			store.Append(conv, Message{Role: "user", Content: "turn one"})
			store.Append(conv, Message{Role: "assistant", Content: "answer one"})
			store.Append(conv, Message{Role: "user", Content: "turn two"})
			store.Append(conv, Message{Role: "assistant", Content: "answer two"})

			if err := store.TruncateClear(conv); err != nil {
				t.Fatalf("TruncateClear: %v", err)
			}

			history, err := store.History(conv)
			if err != nil {
				t.Fatalf("History: %v", err)
			}

			// Everything before the last user turn is dropped; the system
			// prompt and the trailing exchange stay.
			want := []string{"system", "user", "assistant"}
			got := roles(history)
			if len(got) != len(want) {
				t.Fatalf("roles after truncate = %v, want %v", got, want)
			}
			if history[1].Content != "turn two" {
				t.Errorf("kept user turn = %q, want last one", history[1].Content)
			}
		})
	}
}

func TestTruncateClearNoUserMessages(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			const conv = "conv-1"
			store.SetSystemPrompt(conv, "prompt")

			if err := store.TruncateClear(conv); err != nil {
				t.Fatalf("TruncateClear on empty conversation: %v", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			const conv = "conv-1"
			store.SetSystemPrompt(conv, "prompt")
			store.Append(conv, Message{Role: "user", Content: "hi"})

			if err := store.Delete(conv); err != nil {
				t.Fatalf("Delete: %v", err)
			}

			history, err := store.History(conv)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 0 {
				t.Errorf("History after delete = %v, want empty", history)
			}
		})
	}
}

func TestConversationsAreIsolated(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			store.Append("a", Message{Role: "user", Content: "for a"})
			store.Append("b", Message{Role: "user", Content: "for b"})

			history, err := store.History("a")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 1 || history[0].Content != "for a" {
				t.Errorf("History(a) = %v", history)
			}
		})
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatlog.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.SetSystemPrompt("conv-1", "prompt")
	store.Append("conv-1", Message{Role: "user", Content: "survives restart"})
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	history, err := reopened.History("conv-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[1].Content != "survives restart" {
		t.Errorf("History after reopen = %v", history)
	}
}
