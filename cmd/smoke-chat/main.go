package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"otterchat.org/internal/event"
	"otterchat.org/internal/ids"
)

func main() {
	log.SetFlags(0)
	var (
		addr  = flag.String("addr", envOr("OTTERCHAT_SMOKE_ADDR", "http://localhost:8080"), "chatd base URL")
		userA = flag.String("a", "", "first account as username:password")
		userB = flag.String("b", "", "second account as username:password")
		room  = flag.String("room", "general", "room for the group message")
	)
	flag.Parse()
	if *userA == "" || *userB == "" {
		log.Fatal("usage: smoke-chat -a alice:pw -b bob:pw")
	}

	a := login(*addr, *userA)
	defer a.ws.Close()
	b := login(*addr, *userB)
	defer b.ws.Close()

	text := "smoke " + ids.New()
	a.send(event.Inbound{Type: event.TypeGroupMessage, Room: *room, Message: text})
	got := b.await(event.TypeGroupMessage, func(ev event.Outbound) bool { return ev.Message == text })
	if got.Sender != a.username {
		log.Fatalf("group message sender = %q, want %q", got.Sender, a.username)
	}

	dm := "psst " + ids.New()
	a.send(event.Inbound{Type: event.TypePrivateMessage, Recipient: b.username, Message: dm})
	b.await(event.TypePrivateMessage, func(ev event.Outbound) bool { return ev.Message == dm })
	echo := a.await(event.TypePrivateMessage, func(ev event.Outbound) bool { return ev.Message == dm })
	if !echo.Delivered {
		log.Fatalf("sender echo not marked delivered")
	}

	fmt.Printf("✅ chatd smoke test passed: %s <-> %s in %s\n", a.username, b.username, *room)
}

type client struct {
	username string
	ws       *websocket.Conn
}

func login(base, creds string) *client {
	username, password, ok := strings.Cut(creds, ":")
	if !ok {
		log.Fatalf("credentials must be username:password, got %q", creds)
	}
	url := "ws" + strings.TrimPrefix(strings.TrimRight(base, "/"), "http") + "/ws"
	ws, err := websocket.Dial(url, "", base)
	if err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	c := &client{username: username, ws: ws}
	c.send(event.Inbound{Type: event.TypeLogin, Username: username, Password: password})
	c.await(event.TypeLoginSuccess, nil)
	return c
}

func (c *client) send(in event.Inbound) {
	if err := websocket.JSON.Send(c.ws, in); err != nil {
		log.Fatalf("%s send %s: %v", c.username, in.Type, err)
	}
}

// await reads until an event of type typ satisfying match arrives. Error
// events abort the run.
func (c *client) await(typ string, match func(event.Outbound) bool) event.Outbound {
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev event.Outbound
		if err := websocket.JSON.Receive(c.ws, &ev); err != nil {
			log.Fatalf("%s waiting for %s: %v", c.username, typ, err)
		}
		if ev.Type == event.TypeError {
			log.Fatalf("%s got error %s: %s", c.username, ev.Code, ev.Message)
		}
		if ev.Type == typ && (match == nil || match(ev)) {
			return ev
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
