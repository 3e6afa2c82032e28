// Command chatctl is a terminal client for EpochChat.
//
// Usage:
//
//	chatctl token   --secret S --peer alice [--ttl 24h]
//	chatctl chat    --server http://localhost:8080 --token T --to bob
//	chatctl history --server http://localhost:8080 --token T --peer bob [--limit 50] [--before ID]
//	chatctl conversations --server http://localhost:8080 --token T
//	chatctl seen    --server http://localhost:8080 --token T --peer bob
//
// The token and server flags fall back to EPOCHCHAT_TOKEN and EPOCHCHAT_SERVER.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sneh-joshi/epochchat/internal/identity"
	"github.com/sneh-joshi/epochchat/pkg/client"
	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		os.Exit(1)
	}
}

const usage = "usage: chatctl <token|chat|history|conversations|seen> [flags]"

func run(args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "token":
		return runToken(rest, out)
	case "chat":
		return runChat(ctx, rest, in, out)
	case "history":
		return runHistory(ctx, rest, out)
	case "conversations":
		return runConversations(ctx, rest, out)
	case "seen":
		return runSeen(ctx, rest, out)
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

// ─── Flags ────────────────────────────────────────────────────────────────────

type common struct {
	server string
	token  string
}

func commonFlags(fs *flag.FlagSet) *common {
	c := &common{}
	fs.StringVar(&c.server, "server", envOr("EPOCHCHAT_SERVER", "http://localhost:8080"), "server base URL")
	fs.StringVar(&c.token, "token", os.Getenv("EPOCHCHAT_TOKEN"), "bearer token")
	return c
}

func (c *common) api() (*client.Client, error) {
	if c.token == "" {
		return nil, errors.New("--token is required")
	}
	return client.New(strings.TrimRight(c.server, "/"), client.WithToken(c.token)), nil
}

// wsURL maps http(s)://host to ws(s)://host/ws.
func (c *common) wsURL() string {
	u := strings.TrimRight(c.server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ─── Commands ─────────────────────────────────────────────────────────────────

// runToken mints a development token signed with the server's shared secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("EPOCHCHAT_JWT_SECRET"), "HS256 secret")
	peer := fs.String("peer", "", "peer ID to issue the token for")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *peer == "" {
		return errors.New("--secret and --peer are required")
	}
	tok, err := identity.Issue(*secret, *peer, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok)
	return err
}

func runHistory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	c := commonFlags(fs)
	peer := fs.String("peer", "", "conversation peer")
	limit := fs.Int("limit", 0, "page size")
	before := fs.String("before", "", "only messages older than this message ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	api, err := c.api()
	if err != nil {
		return err
	}
	msgs, err := api.History(ctx, *peer, client.HistoryOptions{Limit: *limit, Before: *before})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		printMessage(out, m)
	}
	return nil
}

func runConversations(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("conversations", flag.ContinueOnError)
	c := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	api, err := c.api()
	if err != nil {
		return err
	}
	convs, err := api.Conversations(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(convs)
}

func runSeen(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seen", flag.ContinueOnError)
	c := commonFlags(fs)
	peer := fs.String("peer", "", "conversation peer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	api, err := c.api()
	if err != nil {
		return err
	}
	n, err := api.MarkSeen(ctx, *peer)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d message(s) marked seen\n", n)
	return err
}

// runChat opens a session and sends every stdin line to --to. Lines starting
// with "/to " switch the recipient; "/seen" marks the current conversation
// seen.
func runChat(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	c := commonFlags(fs)
	to := fs.String("to", "", "recipient peer ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.token == "" {
		return errors.New("--token is required")
	}

	fatal := make(chan error, 1)
	s := client.NewSession(client.Config{
		URL: c.wsURL(),
		OnStateChange: func(st client.State) {
			fmt.Fprintf(out, "* %s\n", st)
		},
		OnFrame: func(f protocol.ServerFrame) { printFrame(out, f) },
		OnError: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	s.Connect(c.token)
	defer s.Disconnect()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	recipient := *to
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case strings.HasPrefix(line, "/to "):
				recipient = strings.TrimSpace(strings.TrimPrefix(line, "/to "))
			case line == "/seen":
				if err := s.MarkSeen(recipient); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			default:
				if _, err := s.Send(line, recipient, ""); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

func printMessage(out io.Writer, m protocol.Message) {
	ts := time.UnixMilli(m.CreatedAt).Format(time.TimeOnly)
	fmt.Fprintf(out, "[%s] %s -> %s: %s (%s)\n", ts, m.SenderID, m.ReceiverID, m.Text, m.DeliveryState)
}

func printFrame(out io.Writer, f protocol.ServerFrame) {
	switch f := f.(type) {
	case protocol.Connected:
		fmt.Fprintf(out, "* connected as %s\n", f.PeerID)
	case protocol.MessageFrame:
		printMessage(out, f.Message)
	case protocol.DeliveryReceipt:
		fmt.Fprintf(out, "* %s delivered\n", f.MessageID)
	case protocol.SeenReceipt:
		fmt.Fprintf(out, "* %s saw your messages\n", f.ReceiverID)
	case protocol.ContactAdded:
		name := f.SenderName
		if name == "" {
			name = f.SenderID
		}
		fmt.Fprintf(out, "* %s added you as a contact\n", name)
	case protocol.Error:
		fmt.Fprintf(out, "! %s\n", f.Message)
	}
}
