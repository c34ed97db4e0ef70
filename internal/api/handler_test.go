package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chansync/internal/backend"
	"github.com/ashureev/chansync/internal/domain"
	"github.com/ashureev/chansync/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api-test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := repo.Close(); closeErr != nil {
			t.Errorf("Close failed: %v", closeErr)
		}
	})

	r := chi.NewRouter()
	NewHandler(repo).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestCreateAndListTopics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/topics", map[string]string{"title": "First"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var created backend.Topic
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Title != "First" || created.SessionID != "s1" {
		t.Fatalf("Unexpected created topic: %+v", created)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/sessions/s1/topics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var topics []backend.Topic
	decodeBody(t, resp, &topics)
	if len(topics) != 1 || topics[0].ID != created.ID {
		t.Errorf("Expected the created topic listed, got %+v", topics)
	}
}

func TestListTopics_EmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/empty/topics", nil)
	defer resp.Body.Close()

	var topics []backend.Topic
	if err := json.NewDecoder(resp.Body).Decode(&topics); err != nil {
		t.Fatalf("Expected an empty JSON array, decode failed: %v", err)
	}
	if topics == nil || len(topics) != 0 {
		t.Errorf("Expected [], got %+v", topics)
	}
}

func TestUpdateTopic(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/topics", map[string]string{"title": "Old"})
	var created backend.Topic
	decodeBody(t, resp, &created)

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/topics/"+created.ID, map[string]string{"title": "New"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/topics/missing", map[string]string{"title": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown topic, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/topics/"+created.ID, map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty title, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// failingRepo reports a backend failure from every topic rename.
type failingRepo struct {
	store.Repository
}

func (failingRepo) UpdateTopicTitle(context.Context, string, string) error {
	return errors.New("database is locked")
}

func TestUpdateTopic_StoreFailureIsServerError(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(failingRepo{}).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/topics/t1", map[string]string{"title": "New"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500 for a store failure, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMessagesAndTokens(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/topics", map[string]string{"title": "Chat"})
	var topic backend.Topic
	decodeBody(t, resp, &topic)

	err := repo.InsertMessage(ctx, topic.ID, &domain.Message{
		ID: "m1", ClientID: "c1", Role: domain.RoleUser, Content: "hi",
		Status: domain.StatusCompleted, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	if err := repo.SetTokenUsage(ctx, topic.ID, domain.TokenUsage{Prompt: 3, Completion: 7, Total: 10}); err != nil {
		t.Fatalf("SetTokenUsage failed: %v", err)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/topics/"+topic.ID+"/messages", nil)
	var msgs []*domain.Message
	decodeBody(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].ClientID != "c1" {
		t.Errorf("Unexpected messages: %+v", msgs)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/topics/"+topic.ID+"/tokens", nil)
	var usage domain.TokenUsage
	decodeBody(t, resp, &usage)
	if usage.Total != 10 {
		t.Errorf("Expected total 10, got %d", usage.Total)
	}

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/topics/"+topic.ID+"/messages/m1", map[string]string{"content": "edited"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 editing message, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/topics/"+topic.ID+"/messages/m1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 deleting message, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/topics/"+topic.ID+"/messages/m1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 deleting twice, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestClearSessionTopics(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, title := range []string{"a", "b"} {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/topics", map[string]string{"title": title})
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/sessions/s1/topics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var result struct {
		Deleted []string `json:"deleted"`
	}
	decodeBody(t, resp, &result)
	if len(result.Deleted) != 2 {
		t.Errorf("Expected 2 deleted topic ids, got %d", len(result.Deleted))
	}
}
