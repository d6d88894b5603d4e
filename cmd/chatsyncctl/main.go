package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pcarvalho/chatsync/internal/api"
	"github.com/pcarvalho/chatsync/internal/chat"
	"github.com/pcarvalho/chatsync/internal/session"
	"github.com/pcarvalho/chatsync/internal/transport"
)

func main() {
	identityFlag := flag.String("identity", "", "identity name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	identity := session.Resolve(*identityFlag)
	if err := session.ValidateName(identity); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	conn, err := net.Dial("unix", session.SocketPath(identity))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for identity %q: %v\n", identity, err)
		os.Exit(1)
	}
	c := transport.NewClient(transport.NewNetConn(conn), zap.NewNop())
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl messages <chat-id> <from> <to>")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1], args[2], args[3], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl send <chat-id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "failed":
		cmdFailed(ctx, c, *jsonFlag)
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl retry <token>")
			os.Exit(1)
		}
		cmdToken(ctx, c, api.KindMessageRetry, args[1])
	case "discard":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl discard <token>")
			os.Exit(1)
		}
		cmdToken(ctx, c, api.KindMessageDiscard, args[1])
	case "sync":
		sub := "status"
		if len(args) >= 2 {
			sub = args[1]
		}
		cmdSync(ctx, c, sub, *jsonFlag)
	case "watch":
		cmdWatch(c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--identity <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show daemon status")
	fmt.Fprintln(os.Stderr, "  chats                         List chats, newest first")
	fmt.Fprintln(os.Stderr, "  messages <chat> <from> <to>   Show a message range")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>            Send a message")
	fmt.Fprintln(os.Stderr, "  failed                        List failed sends")
	fmt.Fprintln(os.Stderr, "  retry <token>                 Retry a failed send")
	fmt.Fprintln(os.Stderr, "  discard <token>               Discard a failed send")
	fmt.Fprintln(os.Stderr, "  sync now                      Trigger a sync cycle")
	fmt.Fprintln(os.Stderr, "  sync status                   Show sync state and checkpoint")
	fmt.Fprintln(os.Stderr, "  watch                         Stream daemon events")
}

func call[T any](ctx context.Context, c *transport.Client, kind string, payload any) T {
	raw, err := c.Call(ctx, kind, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		fmt.Fprintf(os.Stderr, "error: decode response: %v\n", err)
		os.Exit(1)
	}
	return out
}

func cmdStatus(ctx context.Context, c *transport.Client, jsonOut bool) {
	resp := call[api.SessionInfoResponse](ctx, c, api.KindSessionInfo, nil)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Identity: %s\n", resp.Identity)
	fmt.Printf("State:    %s\n", resp.State)
	fmt.Printf("PID:      %d\n", resp.PID)
}

func cmdChats(ctx context.Context, c *transport.Client, jsonOut bool) {
	resp := call[api.ChatsListResponse](ctx, c, api.KindChatsList, nil)
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, ch := range resp.Chats {
		name := ch.PeerID
		if ch.Kind == chat.KindGroup && ch.Group != nil {
			name = ch.Group.Name
		}
		preview := ""
		if ch.LatestMessage != nil {
			preview = ch.LatestMessage.Text
		}
		fmt.Printf("%-24s %-8s %-20s %s\n", ch.ID, ch.Kind, name, preview)
	}
}

func cmdMessages(ctx context.Context, c *transport.Client, chatID, fromStr, toStr string, jsonOut bool) {
	from, err1 := strconv.ParseUint(fromStr, 10, 64)
	to, err2 := strconv.ParseUint(toStr, 10, 64)
	if err1 != nil || err2 != nil {
		fmt.Fprintln(os.Stderr, "error: from and to must be numbers")
		os.Exit(1)
	}
	resp := call[api.MessagesRangeResponse](ctx, c, api.KindMessagesRange, api.MessagesRangeRequest{
		ChatID: chat.ID(chatID), From: from, To: to,
	})
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		marker := " "
		if m.State == chat.StateUnconfirmed {
			marker = "*"
		}
		fmt.Printf("%s %6d %-16s %s\n", marker, m.Index, m.Sender, m.Text)
	}
}

func cmdSend(ctx context.Context, c *transport.Client, chatID, text string, jsonOut bool) {
	resp := call[api.SendResponse](ctx, c, api.KindMessageSend, api.SendRequest{
		ChatID: chat.ID(chatID), Text: text,
	})
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("queued: %s\n", resp.Token)
}

func cmdFailed(ctx context.Context, c *transport.Client, jsonOut bool) {
	resp := call[api.FailedSendsResponse](ctx, c, api.KindMessagesFailed, nil)
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Failed) == 0 {
		fmt.Println("no failed sends")
		return
	}
	for token, reason := range resp.Failed {
		fmt.Printf("%s  %s\n", token, reason)
	}
}

func cmdToken(ctx context.Context, c *transport.Client, kind, token string) {
	call[api.Ack](ctx, c, kind, api.TokenRequest{Token: token})
	fmt.Println("ok")
}

func cmdSync(ctx context.Context, c *transport.Client, sub string, jsonOut bool) {
	switch sub {
	case "now":
		call[api.Ack](ctx, c, api.KindSyncNow, nil)
		fmt.Println("sync requested")
	case "status":
		resp := call[api.SyncStatusResponse](ctx, c, api.KindSyncStatus, nil)
		if jsonOut {
			outputJSON(resp)
			return
		}
		fmt.Printf("State:      %s\n", resp.State)
		fmt.Printf("Checkpoint: %s\n", resp.Checkpoint)
	default:
		fmt.Fprintf(os.Stderr, "unknown sync subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func cmdWatch(c *transport.Client) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				return
			}
			fmt.Printf("%s %s\n", evt.Subkind, string(evt.Data))
		case <-sig:
			return
		}
	}
}

func outputJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
