// chatctl is a thin command-line client for a running chatd daemon. It
// talks to the local HTTP control API; all state lives in the daemon.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jyotilabs/chatd/internal/config"
	"github.com/jyotilabs/chatd/internal/session"
)

type ctl struct {
	base string
	http *http.Client
	json bool
}

func main() {
	addrFlag := flag.String("addr", "", "daemon control address (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	addr := *addrFlag
	if addr == "" {
		cfg, err := config.Load(session.ConfigPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		addr = cfg.ListenAddr
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		base: "http://" + addr,
		http: &http.Client{Timeout: 30 * time.Second},
		json: *jsonFlag,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch args[0] {
	case "status":
		err = c.cmdStatus(ctx)
	case "connect":
		err = c.cmdPost(ctx, "/v1/connect")
	case "disconnect":
		err = c.cmdPost(ctx, "/v1/disconnect")
	case "conversations":
		err = c.cmdConversations(ctx)
	case "open":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl open <participant-id>")
			os.Exit(1)
		}
		err = c.cmdOpen(ctx, args[1])
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl messages <conversation-id>")
			os.Exit(1)
		}
		err = c.cmdMessages(ctx, args[1])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatctl send <conversation-id> <text>")
			os.Exit(1)
		}
		err = c.cmdSend(ctx, args[1], strings.Join(args[2:], " "))
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl read <conversation-id>")
			os.Exit(1)
		}
		err = c.cmdPost(ctx, "/v1/conversations/"+args[1]+"/read")
	case "leave":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl leave <conversation-id>")
			os.Exit(1)
		}
		err = c.cmdPost(ctx, "/v1/conversations/"+args[1]+"/leave")
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl retry <client-msg-id>")
			os.Exit(1)
		}
		err = c.cmdPost(ctx, "/v1/messages/"+args[1]+"/retry")
	case "upload":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl upload <path>")
			os.Exit(1)
		}
		err = c.cmdUpload(ctx, args[1])
	case "watch":
		err = c.cmdWatch()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show connection status")
	fmt.Fprintln(os.Stderr, "  connect                   Connect the socket")
	fmt.Fprintln(os.Stderr, "  disconnect                Disconnect the socket")
	fmt.Fprintln(os.Stderr, "  conversations             List conversations")
	fmt.Fprintln(os.Stderr, "  open <participant-id>     Get or create a conversation")
	fmt.Fprintln(os.Stderr, "  messages <conversation>   List messages")
	fmt.Fprintln(os.Stderr, "  send <conversation> <txt> Send a message")
	fmt.Fprintln(os.Stderr, "  read <conversation>       Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  leave <conversation>      Stop pushes for a conversation")
	fmt.Fprintln(os.Stderr, "  retry <client-msg-id>     Retry a failed message")
	fmt.Fprintln(os.Stderr, "  upload <path>             Upload an attachment")
	fmt.Fprintln(os.Stderr, "  watch                     Stream daemon events")
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *ctl) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("malformed daemon response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("%s", env.Message)
	}
	return env.Data, nil
}

func (c *ctl) print(data json.RawMessage) {
	if c.json {
		fmt.Println(string(data))
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

func (c *ctl) cmdStatus(ctx context.Context) error {
	data, err := c.do(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return err
	}
	if c.json {
		fmt.Println(string(data))
		return nil
	}
	var st struct {
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	fmt.Printf("status: %s\n", st.Status)
	if st.Attempts > 0 {
		fmt.Printf("reconnect attempts: %d\n", st.Attempts)
	}
	return nil
}

func (c *ctl) cmdPost(ctx context.Context, path string) error {
	data, err := c.do(ctx, http.MethodPost, path, map[string]string{})
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func (c *ctl) cmdConversations(ctx context.Context) error {
	data, err := c.do(ctx, http.MethodGet, "/v1/conversations?limit=50", nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func (c *ctl) cmdOpen(ctx context.Context, participantID string) error {
	data, err := c.do(ctx, http.MethodPost, "/v1/conversations", map[string]string{"participantId": participantID})
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func (c *ctl) cmdMessages(ctx context.Context, conversationID string) error {
	data, err := c.do(ctx, http.MethodGet, "/v1/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func (c *ctl) cmdSend(ctx context.Context, conversationID, text string) error {
	data, err := c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/messages",
		map[string]string{"body": text})
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

func (c *ctl) cmdUpload(ctx context.Context, path string) error {
	data, err := c.do(ctx, http.MethodPost, "/v1/attachments", map[string]string{"path": path})
	if err != nil {
		return err
	}
	c.print(data)
	return nil
}

// cmdWatch tails the daemon's event stream until interrupted.
func (c *ctl) cmdWatch() error {
	resp, err := http.Get(c.base + "/v1/events")
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 64<<10)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			fmt.Println(strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}
