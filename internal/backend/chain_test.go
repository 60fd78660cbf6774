package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"operator-broker/internal/action"
)

type fakeBackend struct {
	name      string
	createErr error
	created   int
	closed    int
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Kind() Kind   { return KindDelegated }

func (f *fakeBackend) CreateSession(ctx context.Context, opts CreateOptions) (Handle, error) {
	f.created++
	if f.createErr != nil {
		return Handle{}, f.createErr
	}
	return Handle{ID: f.name + "-handle"}, nil
}

func (f *fakeBackend) Execute(ctx context.Context, h Handle, a action.Action) (Result, error) {
	return Result{Text: "ok"}, nil
}

func (f *fakeBackend) Screenshot(ctx context.Context, h Handle) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakeBackend) Close(ctx context.Context, h Handle) error {
	f.closed++
	return nil
}

func TestResolveFirstHealthy(t *testing.T) {
	first := &fakeBackend{name: "first"}
	second := &fakeBackend{name: "second"}
	chain := NewChain(time.Second, first, second)

	b, h, err := chain.Resolve(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if b.Name() != "first" {
		t.Errorf("resolved %q, want first", b.Name())
	}
	if h.ID != "first-handle" {
		t.Errorf("handle = %q", h.ID)
	}
	if second.created != 0 {
		t.Error("later candidates must not be tried once one accepts")
	}
}

func TestResolveFallsThrough(t *testing.T) {
	first := &fakeBackend{name: "first", createErr: fmt.Errorf("%w: not installed", ErrUnavailable)}
	second := &fakeBackend{name: "second"}
	chain := NewChain(time.Second, first, second)

	b, _, err := chain.Resolve(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if b.Name() != "second" {
		t.Errorf("resolved %q, want second", b.Name())
	}
	if first.created != 1 {
		t.Errorf("first attempted %d times, want exactly 1", first.created)
	}
}

func TestResolveAllFail(t *testing.T) {
	first := &fakeBackend{name: "first", createErr: fmt.Errorf("%w: down", ErrUnavailable)}
	second := &fakeBackend{name: "second", createErr: errors.New("crashed")}
	chain := NewChain(time.Second, first, second)

	_, _, err := chain.Resolve(context.Background(), CreateOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// Every candidate's failure is preserved in the joined error.
	for _, want := range []string{"first", "second", "down", "crashed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
	if first.created != 1 || second.created != 1 {
		t.Error("each candidate gets exactly one attempt")
	}
}

func TestResolveEmptyChain(t *testing.T) {
	chain := NewChain(time.Second)
	_, _, err := chain.Resolve(context.Background(), CreateOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolveStopsOnCanceledContext(t *testing.T) {
	first := &fakeBackend{name: "first", createErr: fmt.Errorf("%w: down", ErrUnavailable)}
	second := &fakeBackend{name: "second"}
	chain := NewChain(time.Second, first, second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := chain.Resolve(ctx, CreateOptions{})
	if err == nil {
		t.Fatal("expected error with canceled context")
	}
	if second.created != 0 {
		t.Error("canceled context must stop the walk")
	}
}

func TestResolveNamed(t *testing.T) {
	first := &fakeBackend{name: "embedded"}
	second := &fakeBackend{name: "native"}
	chain := NewChain(time.Second, first, second)

	b, h, err := chain.ResolveNamed(context.Background(), "native", CreateOptions{})
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if b.Name() != "native" || h.ID != "native-handle" {
		t.Errorf("resolved %q / %q", b.Name(), h.ID)
	}
	if first.created != 0 {
		t.Error("pinned resolution must not touch other candidates")
	}

	if _, _, err := chain.ResolveNamed(context.Background(), "webdriver", CreateOptions{}); err == nil {
		t.Error("expected error for unknown backend name")
	}
}

func TestResolveNamedDoesNotFallBack(t *testing.T) {
	first := &fakeBackend{name: "embedded", createErr: fmt.Errorf("%w: down", ErrUnavailable)}
	second := &fakeBackend{name: "native"}
	chain := NewChain(time.Second, first, second)

	_, _, err := chain.ResolveNamed(context.Background(), "embedded", CreateOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if second.created != 0 {
		t.Error("pinned resolution must not fall back to the chain")
	}
}

func TestByNameAndCandidates(t *testing.T) {
	first := &fakeBackend{name: "embedded"}
	second := &fakeBackend{name: "native"}
	chain := NewChain(time.Second, first, second)

	if got := chain.Candidates(); len(got) != 2 || got[0] != "embedded" || got[1] != "native" {
		t.Errorf("candidates = %v", got)
	}
	if b, ok := chain.ByName("native"); !ok || b.Name() != "native" {
		t.Error("ByName failed for known backend")
	}
	if _, ok := chain.ByName("webdriver"); ok {
		t.Error("ByName must miss unknown backends")
	}
}
