// Package main provides a load testing tool speaking the realtime chat protocol.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesReceived     int64
	SendFailures         int64
	Errors               int64
}

var metrics Metrics

type frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:8375", "Server host")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint test tokens")
	usersFlag := flag.String("users", "1,2", "Comma separated member user ids; clients rotate through them")
	convID := flag.Uint("conversation", 1, "Conversation every client joins and writes to")
	clients := flag.Int("clients", 20, "Number of concurrent clients")
	interval := flag.Duration("interval", 2*time.Second, "Delay between messages per client")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	if *secret == "" {
		log.Fatal("❌ -secret (or JWT_SECRET) is required")
	}
	userIDs, err := parseIDs(*usersFlag)
	if err != nil {
		log.Fatalf("❌ invalid -users: %v", err)
	}

	log.Printf("🚀 Starting Chat Load Test")
	log.Printf("Target: %s, conversation %d", *host, *convID)
	log.Printf("Clients: %d over users %v", *clients, userIDs)
	log.Printf("Duration: %v", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		userID := userIDs[i%len(userIDs)]
		token, err := mintToken(*secret, userID)
		if err != nil {
			log.Fatalf("❌ token for user %d: %v", userID, err)
		}
		wg.Add(1)
		go runClient(*host, token, userID, *convID, i, *interval, stopChan, &wg)
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-time.After(*duration):
		log.Println("⏱️  Test duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func parseIDs(s string) ([]uint, error) {
	var ids []uint
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("bad id %q", part)
		}
		ids = append(ids, uint(n))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no ids given")
	}
	return ids, nil
}

func mintToken(secret string, userID uint) (string, error) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func runClient(host, token string, userID uint, convID uint, id int, interval time.Duration, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	// Only this goroutine writes; gorilla allows one concurrent writer.
	write := func(f frame) bool {
		if err := c.WriteJSON(f); err != nil {
			atomic.AddInt64(&metrics.Errors, 1)
			return false
		}
		return true
	}
	if !write(frame{Event: "setup", Data: userID}) || !write(frame{Event: "join-chat", Data: map[string]uint{"roomId": convID, "userId": userID}}) {
		return
	}

	// Read loop
	go func() {
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f struct {
				Event string `json:"event"`
			}
			if json.Unmarshal(raw, &f) != nil {
				continue
			}
			switch f.Event {
			case "receive-message":
				atomic.AddInt64(&metrics.MessagesReceived, 1)
			case "send-failed":
				atomic.AddInt64(&metrics.SendFailures, 1)
			case "error":
				atomic.AddInt64(&metrics.Errors, 1)
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			ok := write(frame{Event: "send-message", Data: map[string]interface{}{
				"conversationId": convID,
				"senderId":       userID,
				"text":           fmt.Sprintf("Load test message from client %d at %s", id, time.Now().Format(time.RFC3339Nano)),
			}})
			if !ok {
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("\n📊 Test Results")
	log.Println("===============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Received: %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("Send Failures: %d", atomic.LoadInt64(&metrics.SendFailures))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
