package safety

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestApprovalManager(t *testing.T, opts ...ApprovalOption) *ApprovalManager {
	t.Helper()
	opts = append([]ApprovalOption{WithApprovalLogger(testLogger(t))}, opts...)
	m := NewApprovalManager(opts...)
	m.StartSession("sess-test")
	return m
}

func fileClassification(tool, path string) Classification {
	return Classification{
		ToolName:         tool,
		Parameters:       map[string]any{"path": path},
		RiskLevel:        RiskModerate,
		RequiresApproval: true,
		Timestamp:        time.Now().UTC(),
	}
}

// resolveWhenPending waits for a request to appear, then resolves it.
func resolveWhenPending(t *testing.T, m *ApprovalManager, resolve func(id string) error) {
	t.Helper()
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			if pending := m.Pending(); len(pending) > 0 {
				if err := resolve(pending[0].ID); err != nil {
					t.Errorf("resolving: %v", err)
				}
				return
			}
			select {
			case <-deadline:
				t.Error("no pending request appeared")
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()
}

func TestRequestApproval_Approve(t *testing.T) {
	m := newTestApprovalManager(t)
	resolveWhenPending(t, m, func(id string) error { return m.Approve(id, false) })

	result, err := m.RequestApproval(context.Background(), fileClassification("file_write", "a/b.txt"), "step-1", time.Second)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !result.Approved() {
		t.Errorf("decision = %s, want approved", result.Decision)
	}
	if result.DecidedBy != DecidedByUser {
		t.Errorf("decided by = %s, want user", result.DecidedBy)
	}
	if len(m.Pending()) != 0 {
		t.Error("request still pending after resolution")
	}
}

func TestRequestApproval_Reject(t *testing.T) {
	m := newTestApprovalManager(t)
	resolveWhenPending(t, m, m.Reject)

	result, err := m.RequestApproval(context.Background(), fileClassification("file_write", "a/b.txt"), "step-1", time.Second)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if result.Approved() || result.Decision != DecisionRejected {
		t.Errorf("decision = %s, want rejected", result.Decision)
	}
}

func TestRequestApproval_TimeoutIsDecisionNotError(t *testing.T) {
	m := newTestApprovalManager(t)

	start := time.Now()
	result, err := m.RequestApproval(context.Background(), fileClassification("file_write", "a/b.txt"), "step-1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not surface as an error: %v", err)
	}
	if result.Decision != DecisionTimeout {
		t.Errorf("decision = %s, want timeout", result.Decision)
	}
	if result.Approved() {
		t.Error("timeout must not approve")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned before the timeout: %v", elapsed)
	}
	if len(m.Pending()) != 0 {
		t.Error("timed-out request must be removed from the pending set")
	}
}

func TestRequestApproval_ContextCancel(t *testing.T) {
	m := newTestApprovalManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.RequestApproval(ctx, fileClassification("file_write", "a/b.txt"), "step-1", time.Minute)
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(m.Pending()) != 0 {
		t.Error("cancelled request must be removed from the pending set")
	}
}

func TestRequestApproval_SimilarityCacheHit(t *testing.T) {
	m := newTestApprovalManager(t)
	resolveWhenPending(t, m, func(id string) error { return m.Approve(id, true) })

	first, err := m.RequestApproval(context.Background(), fileClassification("file_write", "docs/a.md"), "step-1", time.Second)
	if err != nil {
		t.Fatalf("first RequestApproval: %v", err)
	}
	if !first.Approved() {
		t.Fatalf("first decision = %s", first.Decision)
	}

	// Same tool, same parent dir: must short-circuit without a pending entry
	// and without waiting.
	start := time.Now()
	second, err := m.RequestApproval(context.Background(), fileClassification("file_write", "docs/b.md"), "step-2", time.Minute)
	if err != nil {
		t.Fatalf("second RequestApproval: %v", err)
	}
	if !second.Approved() {
		t.Errorf("cache hit decision = %s", second.Decision)
	}
	if second.DecidedBy != DecidedBySimilar {
		t.Errorf("cache hit decided by = %s, want similar_match", second.DecidedBy)
	}
	if time.Since(start) > time.Second {
		t.Error("cache hit should resolve immediately")
	}
	if len(m.Pending()) != 0 {
		t.Error("cache hit must not create a pending request")
	}
}

func TestRequestApproval_CacheMissOnDifferentDir(t *testing.T) {
	m := newTestApprovalManager(t)
	resolveWhenPending(t, m, func(id string) error { return m.Approve(id, true) })

	if _, err := m.RequestApproval(context.Background(), fileClassification("file_write", "docs/a.md"), "s1", time.Second); err != nil {
		t.Fatalf("first: %v", err)
	}

	// Different parent dir: no cache hit, so this one times out.
	result, err := m.RequestApproval(context.Background(), fileClassification("file_write", "src/a.go"), "s2", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if result.Decision != DecisionTimeout {
		t.Errorf("decision = %s, want timeout (no cache hit)", result.Decision)
	}
}

func TestRequestApproval_ApproveWithoutSimilarDoesNotCache(t *testing.T) {
	m := newTestApprovalManager(t)
	resolveWhenPending(t, m, func(id string) error { return m.Approve(id, false) })

	if _, err := m.RequestApproval(context.Background(), fileClassification("file_write", "docs/a.md"), "s1", time.Second); err != nil {
		t.Fatalf("first: %v", err)
	}

	result, err := m.RequestApproval(context.Background(), fileClassification("file_write", "docs/b.md"), "s2", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if result.Decision != DecisionTimeout {
		t.Errorf("decision = %s, want timeout (nothing cached)", result.Decision)
	}
}

func TestSessionBoundariesClearCache(t *testing.T) {
	m := newTestApprovalManager(t)
	resolveWhenPending(t, m, func(id string) error { return m.Approve(id, true) })

	if _, err := m.RequestApproval(context.Background(), fileClassification("file_write", "docs/a.md"), "s1", time.Second); err != nil {
		t.Fatalf("first: %v", err)
	}

	m.EndSession()
	m.StartSession("sess-2")

	result, err := m.RequestApproval(context.Background(), fileClassification("file_write", "docs/b.md"), "s2", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("after new session: %v", err)
	}
	if result.Decision != DecisionTimeout {
		t.Errorf("decision = %s; similarity cache must not survive a session boundary", result.Decision)
	}
}

func TestSessionEndRejectsPendingWaiters(t *testing.T) {
	m := newTestApprovalManager(t)

	var wg sync.WaitGroup
	results := make([]ApprovalResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.RequestApproval(context.Background(), fileClassification("file_write", "a.txt"), "s", time.Minute)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}

	// Wait for all three to register.
	deadline := time.After(5 * time.Second)
	for len(m.Pending()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d pending", len(m.Pending()))
		case <-time.After(time.Millisecond):
		}
	}

	m.EndSession()
	wg.Wait()

	for i, r := range results {
		if r.Decision != DecisionRejected {
			t.Errorf("waiter %d decision = %s, want rejected", i, r.Decision)
		}
	}
	if len(m.Pending()) != 0 {
		t.Error("pending set not cleared")
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	m := newTestApprovalManager(t)

	done := make(chan ApprovalResult, 1)
	go func() {
		r, _ := m.RequestApproval(context.Background(), fileClassification("file_write", "a.txt"), "s", time.Minute)
		done <- r
	}()

	deadline := time.After(5 * time.Second)
	for len(m.Pending()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no pending request")
		case <-time.After(time.Millisecond):
		}
	}
	id := m.Pending()[0].ID

	if err := m.Approve(id, false); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := m.Reject(id); err == nil {
		t.Error("second resolve must fail")
	}

	r := <-done
	if !r.Approved() {
		t.Errorf("waiter saw %s, want the first resolution", r.Decision)
	}
}

func TestResolve_UnknownRequest(t *testing.T) {
	m := newTestApprovalManager(t)
	if err := m.Approve("nope", false); err == nil {
		t.Error("expected ErrRequestNotFound")
	}
}

func TestRequestApproval_IndependentRequests(t *testing.T) {
	m := newTestApprovalManager(t)

	type outcome struct {
		tool string
		r    ApprovalResult
	}
	results := make(chan outcome, 2)
	for _, tool := range []string{"github_push", "shell_exec"} {
		go func(tool string) {
			r, _ := m.RequestApproval(context.Background(), Classification{ToolName: tool, RequiresApproval: true}, "s", time.Minute)
			results <- outcome{tool, r}
		}(tool)
	}

	deadline := time.After(5 * time.Second)
	for len(m.Pending()) < 2 {
		select {
		case <-deadline:
			t.Fatal("requests did not register")
		case <-time.After(time.Millisecond):
		}
	}

	// Approve one, reject the other; each waiter sees only its own outcome.
	for _, req := range m.Pending() {
		var err error
		if req.Classification.ToolName == "github_push" {
			err = m.Approve(req.ID, false)
		} else {
			err = m.Reject(req.ID)
		}
		if err != nil {
			t.Fatalf("resolving %s: %v", req.Classification.ToolName, err)
		}
	}

	for i := 0; i < 2; i++ {
		o := <-results
		switch o.tool {
		case "github_push":
			if !o.r.Approved() {
				t.Errorf("github_push = %s, want approved", o.r.Decision)
			}
		case "shell_exec":
			if o.r.Decision != DecisionRejected {
				t.Errorf("shell_exec = %s, want rejected", o.r.Decision)
			}
		}
	}
}

func TestAreSimilar(t *testing.T) {
	a := fileClassification("file_write", "docs/a.md")
	b := fileClassification("file_write", "docs/b.md")
	c := fileClassification("file_write", "src/a.go")
	d := fileClassification("file_read", "docs/a.md")
	nested := fileClassification("file_write", "docs/sub/deep.md")

	if !AreSimilar(a, b) {
		t.Error("same tool, same parent dir should be similar")
	}
	if AreSimilar(a, c) {
		t.Error("different parent dirs should not be similar")
	}
	if AreSimilar(a, d) {
		t.Error("different tools should never be similar")
	}
	if !AreSimilar(a, nested) {
		t.Error("descendant of the approved parent dir should be similar")
	}

	// Non-filesystem tools compare on tool name alone.
	x := Classification{ToolName: "web_fetch", Parameters: map[string]any{"url": "https://a"}}
	y := Classification{ToolName: "web_fetch", Parameters: map[string]any{"url": "https://b"}}
	if !AreSimilar(x, y) {
		t.Error("same non-filesystem tool should be similar")
	}
}
