package main

import (
	"bytes"
	"context"
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

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
)

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type event struct {
	Type string `json:"type"`
}

type stats struct {
	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	msgCount := flag.Int("messages", 20, "messages per user")
	wait := flag.Duration("wait", 10*time.Second, "how long to wait for deliveries")
	flag.Parse()

	log := logs.GetLoggerFromString("INFO")
	log.Info("🔥 STARTING STRESS TEST", "users", *pairs*2, "messages_each", *msgCount)

	var st stats
	var wg sync.WaitGroup
	start := time.Now()
	run := time.Now().UnixNano()

	// User 0a talks to user 0b, 1a to 1b...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(log, *baseURL, fmt.Sprintf("%d_%d", run, pairID), *msgCount, *wait, &st)
		}(i)
	}
	wg.Wait()

	expected := int64(*pairs) * int64(*msgCount) * 4
	log.Info("✅ LOAD TEST COMPLETE",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"delivered", st.delivered.Load(),
		"expected_deliveries", expected,
		"failed", st.failed.Load())
	if st.delivered.Load() < expected {
		os.Exit(1)
	}
}

func runPair(log *slog.Logger, baseURL, tag string, msgCount int, wait time.Duration, st *stats) {
	a, err := authenticate(baseURL, "u_"+tag+"_a")
	if err != nil {
		log.Error("❌ Auth failed", "user", "u_"+tag+"_a", "error", err)
		st.failed.Add(1)
		return
	}
	b, err := authenticate(baseURL, "u_"+tag+"_b")
	if err != nil {
		log.Error("❌ Auth failed", "user", "u_"+tag+"_b", "error", err)
		st.failed.Add(1)
		return
	}

	connA, err := dial(baseURL, a.Token)
	if err != nil {
		log.Error("❌ WS connect failed", "error", err)
		st.failed.Add(1)
		return
	}
	defer connA.Close()
	connB, err := dial(baseURL, b.Token)
	if err != nil {
		log.Error("❌ WS connect failed", "error", err)
		st.failed.Add(1)
		return
	}
	defer connB.Close()

	// Every message reaches both the receiver and the sender's own session.
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	var readers sync.WaitGroup
	readers.Add(2)
	go count(ctx, &readers, connA, 2*msgCount, st)
	go count(ctx, &readers, connB, 2*msgCount, st)

	var writers sync.WaitGroup
	writers.Add(2)
	go spamChat(log, &writers, connA, b.ID, msgCount, st)
	go spamChat(log, &writers, connB, a.ID, msgCount, st)
	writers.Wait()
	readers.Wait()
}

// authenticate registers, falling back to login when the user already exists.
func authenticate(baseURL, username string) (AuthResponse, error) {
	body := map[string]string{"username": username, "email": username + "@loadtest.local", "password": "password123"}
	resp, err := postJSON(baseURL+"/register", body)
	if err != nil {
		return AuthResponse{}, err
	}
	if resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		resp, err = postJSON(baseURL+"/login", body)
		if err != nil {
			return AuthResponse{}, err
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return AuthResponse{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return AuthResponse{}, err
	}
	return data, nil
}

func dial(baseURL, token string) (*websocket.Conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func count(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, want int, st *stats) {
	defer wg.Done()
	got := 0
	for got < want {
		deadline, _ := ctx.Deadline()
		_ = conn.SetReadDeadline(deadline)
		var evt event
		if err := conn.ReadJSON(&evt); err != nil {
			return
		}
		if evt.Type == "new_message" {
			got++
			st.delivered.Add(1)
		}
	}
}

func spamChat(log *slog.Logger, wg *sync.WaitGroup, conn *websocket.Conn, receiverID string, msgCount int, st *stats) {
	defer wg.Done()

	for i := 0; i < msgCount; i++ {
		msg := map[string]string{
			"type":        "send_message",
			"receiver_id": receiverID,
			"content":     fmt.Sprintf("LoadTest Msg %d", i),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Error("❌ Send failed", "error", err)
			st.failed.Add(1)
			return
		}
		st.sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return http.Post(endpoint, "application/json", bytes.NewBuffer(jsonData))
}
