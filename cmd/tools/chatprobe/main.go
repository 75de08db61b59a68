// chatprobe submits a prompt to a running backend and prints the streamed
// reply as it arrives over the cable.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	base := flag.String("base", envOr("CHATPROBE_BASE", "http://localhost:8080"), "后端地址")
	model := flag.String("model", "", "新会话使用的模型 ID，留空使用默认模型")
	prompt := flag.String("prompt", "", "要发送的问题")
	chatID := flag.Int64("chat", 0, "已有会话 ID，留空则新建会话")
	timeout := flag.Duration("timeout", 2*time.Minute, "等待回复的超时时间")
	token := flag.String("token", os.Getenv("CHATPROBE_TOKEN"), "Bearer token (AUTH_JWT_SECRET 开启时需要)")
	flag.Parse()

	if strings.TrimSpace(*prompt) == "" {
		flag.Usage()
		log.Fatal("请通过 -prompt 指定问题")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	p := &probe{base: strings.TrimRight(*base, "/"), token: *token, client: &http.Client{Timeout: 30 * time.Second}}
	if err := p.run(ctx, *chatID, *model, *prompt); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

type probe struct {
	base   string
	token  string
	client *http.Client
}

func (p *probe) run(ctx context.Context, chatID int64, model, prompt string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	// an existing chat is followed before the prompt is sent; a new one can only be followed once created
	existing := chatID != 0
	if !existing {
		var conv chat.Conversation
		if err := p.do(ctx, http.MethodPost, "/api/chats", map[string]string{"model": model, "prompt": prompt}, &conv); err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
		chatID = conv.ID
		cyan.Printf("→ created chat %d (model %s)\n", conv.ID, conv.ModelID)
	}

	conn, err := p.dial(ctx, chatID)
	if err != nil {
		return fmt.Errorf("connect cable: %w", err)
	}
	defer conn.Close()
	cyan.Printf("→ subscribed to %s\n", chat.Topic(chatID))

	if existing {
		var msg chat.Message
		if err := p.do(ctx, http.MethodPost, fmt.Sprintf("/api/chats/%d/messages", chatID), map[string]string{"content": prompt}, &msg); err != nil {
			return fmt.Errorf("submit prompt: %w", err)
		}
	} else if done, ok := p.finishedReply(ctx, chatID); ok {
		yellow.Println("(reply finished before the cable connected)")
		green.Println(done.Content)
		return nil
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	started := time.Now()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("timed out after %s", time.Since(started).Round(time.Millisecond))
			}
			return fmt.Errorf("read cable: %w", err)
		}
		evt, err := chat.DecodeEvent(payload)
		if err != nil {
			yellow.Printf("\n? %s\n", payload)
			continue
		}
		switch e := evt.(type) {
		case *chat.ChunkEvent:
			fmt.Print(e.Content)
		case *chat.CompleteEvent:
			fmt.Println()
			green.Printf("✓ message %d complete in %s (%d chars)\n",
				e.Message.ID, time.Since(started).Round(time.Millisecond), len(e.Message.Content))
			return nil
		}
	}
}

func (p *probe) finishedReply(ctx context.Context, chatID int64) (chat.Message, bool) {
	var conv chat.Conversation
	if err := p.do(ctx, http.MethodGet, fmt.Sprintf("/api/chats/%d", chatID), nil, &conv); err != nil {
		return chat.Message{}, false
	}
	last, ok := conv.Last()
	if !ok || last.Role != chat.RoleAssistant || !last.Finalized() {
		return chat.Message{}, false
	}
	return last, true
}

func (p *probe) dial(ctx context.Context, chatID int64) (*websocket.Conn, error) {
	u, err := url.Parse(p.base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/api/chats/%d/cable", chatID)
	if p.token != "" {
		u.RawQuery = url.Values{"access_token": {p.token}}.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil && resp != nil {
		return nil, fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
	}
	return conn, err
}

func (p *probe) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
