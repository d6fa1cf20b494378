package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/amora/internal/api"
	"github.com/matheus3301/amora/internal/config"
	"github.com/matheus3301/amora/internal/session"
)

type runner struct {
	ctx  context.Context
	c    *api.Client
	json bool
}

func (r runner) call(method string, req map[string]any) map[string]any {
	out, err := r.c.Call(r.ctx, method, req)
	if err != nil {
		fail(err)
	}
	return out
}

func (r runner) print(out map[string]any) {
	if r.json {
		outputJSON(out)
		return
	}
	switch {
	case out["message"] != nil:
		printMessage(out["message"])
	case out["call"] != nil:
		call, _ := out["call"].(map[string]any)
		fmt.Printf("call %v: %v %v\n", call["callId"], call["status"], call["endReason"])
	default:
		for k, v := range out {
			fmt.Printf("%s: %v\n", k, v)
		}
	}
}

func (r runner) status() {
	out := r.call(api.MethodGetStatus, nil)
	if r.json {
		outputJSON(out)
		return
	}
	fmt.Printf("Session:   %v\n", out["session"])
	fmt.Printf("User:      %v\n", out["userId"])
	fmt.Printf("State:     %v\n", out["state"])
	if out["exhausted"] == true {
		fmt.Println("           reconnection gave up; run `amoractl reconnect`")
	}
	if out["authFailed"] == true {
		fmt.Println("           authentication failed; update the token")
	}
	fmt.Printf("Attempts:  %v\n", out["attempts"])
	fmt.Printf("Last pong: %v\n", out["lastPongAt"])
	fmt.Printf("Queued:    %v emits, %v deliveries\n", out["queuedEmits"], out["pendingDeliveries"])
	fmt.Printf("Unread:    %v\n", out["totalUnread"])
	fmt.Printf("Call:      %v\n", out["call"])
}

func (r runner) send(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	typ := fs.String("type", "text", "message type (text, file, wink, video)")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: amoractl send [--type T] <recipient> <text>")
		os.Exit(1)
	}
	r.print(r.call(api.MethodSendMessage, map[string]any{
		"recipientId": fs.Arg(0),
		"type":        *typ,
		"content":     strings.Join(fs.Args()[1:], " "),
	}))
}

func (r runner) conversations(args []string) {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	refresh := fs.Bool("refresh", false, "reload from the server")
	_ = fs.Parse(args)

	out := r.call(api.MethodListConversations, map[string]any{"refresh": *refresh})
	if r.json {
		outputJSON(out)
		return
	}
	convs, _ := out["conversations"].([]any)
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, raw := range convs {
		c, _ := raw.(map[string]any)
		last := ""
		if m, ok := c["lastMessage"].(map[string]any); ok {
			last, _ = m["content"].(string)
		}
		fmt.Printf("%-26v %-20v unread=%-3v %s\n", c["userId"], c["name"], c["unreadCount"], last)
	}
}

func (r runner) messages(args []string) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	load := fs.Bool("load", false, "fetch history from the server first")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: amoractl messages [--load] <counterpart>")
		os.Exit(1)
	}
	method := api.MethodListMessages
	if *load {
		method = api.MethodLoadHistory
	}
	out := r.call(method, map[string]any{"counterpart": fs.Arg(0)})
	if r.json {
		outputJSON(out)
		return
	}
	msgs, _ := out["messages"].([]any)
	for _, m := range msgs {
		printMessage(m)
	}
}

func printMessage(raw any) {
	m, _ := raw.(map[string]any)
	state := "sent"
	switch {
	case m["pending"] == true:
		state = "pending"
	case m["failed"] == true:
		state = "failed"
	case m["read"] == true:
		state = "read"
	}
	fmt.Printf("[%v] %v -> %v (%v, %s) %v\n", m["createdAt"], m["sender"], m["recipient"], m["type"], state, m["content"])
	if state == "failed" {
		fmt.Printf("    retry with: amoractl retry %v\n", m["localId"])
	}
}

func cmdInit(sessionName string, args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	realtime := fs.String("realtime", "", "websocket endpoint")
	apiURL := fs.String("api", "", "REST base URL")
	user := fs.String("user", "", "account user id")
	token := fs.String("token", "", "account token (or set "+config.TokenEnv+")")
	durable := fs.Bool("durable", false, "keep the retry queue on disk")
	makeDefault := fs.Bool("default", false, "make this the default session")
	_ = fs.Parse(args)

	cfg := config.DefaultSession()
	cfg.Server = config.ServerConfig{Realtime: *realtime, API: *apiURL}
	cfg.Account = config.AccountConfig{UserID: *user, Token: *token}
	cfg.Delivery.Durable = *durable

	check := cfg
	if check.Account.Token == "" {
		check.Account.Token = os.Getenv(config.TokenEnv)
	}
	if err := check.Validate(); err != nil {
		fail(err)
	}
	if err := session.EnsureDir(sessionName); err != nil {
		fail(err)
	}
	path := session.ConfigPath(sessionName)
	if err := config.SaveSession(path, &cfg); err != nil {
		fail(err)
	}
	if *makeDefault {
		if err := config.SetDefaultSession(session.GlobalConfigPath(), sessionName); err != nil {
			fail(err)
		}
	}
	fmt.Printf("wrote %s\n", path)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
