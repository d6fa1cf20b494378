package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/matheus3301/amora/internal/api"
	"github.com/matheus3301/amora/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "init" {
		cmdInit(sessionName, args[1:])
		return
	}

	c, err := api.NewClient(session.SocketPath(sessionName))
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for session %q: %w", sessionName, err))
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()
	r := runner{ctx: ctx, c: c, json: *jsonFlag}

	switch args[0] {
	case "status":
		r.status()
	case "send":
		r.send(args[1:])
	case "attach":
		need(args, 3, "attach <recipient> <path>")
		r.print(r.call(api.MethodSendMessage, map[string]any{"recipientId": args[1], "attachment": args[2]}))
	case "retry":
		need(args, 2, "retry <local-id>")
		r.print(r.call(api.MethodRetryMessage, map[string]any{"localId": args[1]}))
	case "conversations":
		r.conversations(args[1:])
	case "messages":
		r.messages(args[1:])
	case "read":
		need(args, 2, "read <counterpart> [message-id...]")
		ids := make([]any, 0, len(args)-2)
		for _, id := range args[2:] {
			ids = append(ids, id)
		}
		r.print(r.call(api.MethodMarkRead, map[string]any{"counterpart": args[1], "messageIds": ids}))
	case "typing":
		need(args, 2, "typing <recipient>")
		r.call(api.MethodSendTyping, map[string]any{"recipientId": args[1]})
	case "call":
		need(args, 2, "call <recipient>")
		r.print(r.call(api.MethodStartCall, map[string]any{"recipientId": args[1]}))
	case "answer":
		r.print(r.call(api.MethodAnswerCall, map[string]any{"accept": true}))
	case "decline":
		r.print(r.call(api.MethodAnswerCall, map[string]any{"accept": false}))
	case "hangup":
		r.print(r.call(api.MethodEndCall, nil))
	case "reconnect":
		r.print(r.call(api.MethodReconnect, nil))
	case "network":
		need(args, 2, "network <online|offline|foreground|background>")
		r.print(r.call(api.MethodSetNetwork, map[string]any{"signal": args[1]}))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: amoractl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init --realtime URL --api URL --user ID   Write session.toml")
	fmt.Fprintln(os.Stderr, "  status                                    Show connection status")
	fmt.Fprintln(os.Stderr, "  send [--type T] <recipient> <text>        Send a message")
	fmt.Fprintln(os.Stderr, "  attach <recipient> <path>                 Upload and send a file")
	fmt.Fprintln(os.Stderr, "  retry <local-id>                          Resend a failed message")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]                 List conversations")
	fmt.Fprintln(os.Stderr, "  messages [--load] <counterpart>           Show a conversation")
	fmt.Fprintln(os.Stderr, "  read <counterpart> [message-id...]        Mark messages as read")
	fmt.Fprintln(os.Stderr, "  typing <recipient>                        Send a typing signal")
	fmt.Fprintln(os.Stderr, "  call <recipient> | answer | decline | hangup")
	fmt.Fprintln(os.Stderr, "  reconnect                                 Force a reconnect")
	fmt.Fprintln(os.Stderr, "  network <signal>                          Report online/offline/foreground/background")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                            Stream events")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: amoractl %s\n", usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	err := c.Watch(context.Background(), prefix, func(evt map[string]any) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s %v\n", evt["kind"], evt["payload"])
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		fail(err)
	}
}
