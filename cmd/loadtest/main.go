// Command loadtest drives pairs of users through register, login, a private
// conversation and a burst of live messages, then checks that each
// conversation's history is gapless.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type conversationResponse struct {
	ID string `json:"id"`
}

type historyResponse struct {
	Messages []struct {
		Sequence int64 `json:"sequence"`
	} `json:"messages"`
	Pagination struct {
		Total   int64 `json:"total"`
		HasMore bool  `json:"hasMore"`
	} `json:"pagination"`
}

type runner struct {
	baseURL  string
	wsURL    string
	messages int
	client   *http.Client
	logger   *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	messages := flag.Int("messages", 20, "messages per user")
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.Kitchen}))

	r := &runner{
		baseURL:  strings.TrimRight(*baseURL, "/"),
		wsURL:    "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws",
		messages: *messages,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}

	logger.Info("starting load test", "users", *pairs*2, "messages_per_user", *messages)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := r.runPair(pairID); err != nil {
				r.failed.Add(1)
				logger.Error("pair failed", "pair", pairID, "error", err)
			}
		}(i)
	}
	wg.Wait()

	logger.Info("load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"messages_sent", r.sent.Load(),
		"failed_pairs", r.failed.Load())
	if r.failed.Load() > 0 {
		os.Exit(1)
	}
}

func (r *runner) runPair(pairID int) error {
	run := uuid.NewString()[:8]
	userA := fmt.Sprintf("lt_%s_%d_a", run, pairID)
	userB := fmt.Sprintf("lt_%s_%d_b", run, pairID)
	pass := "password123"

	a, err := r.authenticate(userA, pass)
	if err != nil {
		return err
	}
	b, err := r.authenticate(userB, pass)
	if err != nil {
		return err
	}

	convID, err := r.createConversation(a.Token, b.ID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, u := range []struct{ name, token string }{{userA, a.Token}, {userB, b.Token}} {
		wg.Add(1)
		go func(name, token string) {
			defer wg.Done()
			if err := r.spamChat(token, convID, name); err != nil {
				errs <- err
			}
		}(u.name, u.token)
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}

	return r.verifyHistory(a.Token, convID, int64(2*r.messages))
}

// authenticate registers (a conflict means the user already exists) and logs in.
func (r *runner) authenticate(username, password string) (*authResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	resp, err := r.postJSON("/register", "", creds)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", username, err)
	}
	resp.Body.Close()

	resp, err = r.postJSON("/login", "", creds)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode login: %w", err)
	}
	return &data, nil
}

func (r *runner) createConversation(token, targetID string) (string, error) {
	resp, err := r.postJSON("/api/conversations", token, map[string]any{
		"participantIds": []string{targetID},
		"kind":           "private",
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create conversation: status %d", resp.StatusCode)
	}

	var data conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode conversation: %w", err)
	}
	return data.ID, nil
}

func (r *runner) spamChat(token, convID, user string) error {
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		return fmt.Errorf("ws connect %s: %w", user, err)
	}
	defer conn.Close()

	// Drain server events so the connection is never dropped as a slow reader.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(map[string]string{"type": "join-room", "conversationId": convID}); err != nil {
		return fmt.Errorf("join %s: %w", user, err)
	}

	for i := 0; i < r.messages; i++ {
		msg := map[string]any{
			"type":           "send-message",
			"conversationId": convID,
			"content":        fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send %s: %w", user, err)
		}
		r.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	// Give the server time to persist the tail of the burst before hanging up.
	time.Sleep(500 * time.Millisecond)
	r.logger.Debug("finished sending", "user", user, "messages", r.messages)
	return nil
}

// verifyHistory walks every page and checks sequences run want..1 without gaps.
func (r *runner) verifyHistory(token, convID string, want int64) error {
	next := want
	for page := 1; ; page++ {
		req, err := http.NewRequest(http.MethodGet,
			fmt.Sprintf("%s/api/conversations/%s/messages?page=%d&pageSize=50", r.baseURL, convID, page), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}

		var data historyResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
		if data.Pagination.Total != want {
			return fmt.Errorf("history total %d, want %d", data.Pagination.Total, want)
		}
		for _, m := range data.Messages {
			if m.Sequence != next {
				return fmt.Errorf("sequence %d, want %d", m.Sequence, next)
			}
			next--
		}
		if !data.Pagination.HasMore {
			break
		}
	}
	if next != 0 {
		return fmt.Errorf("history ended at sequence %d", next+1)
	}
	return nil
}

func (r *runner) postJSON(endpoint, token string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, r.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return r.client.Do(req)
}
