// Command chat is a terminal client for the relay. Lines are sent to the
// current peer; lines starting with a slash are commands:
//
//	/to <user>   switch conversation
//	/typing      tell the peer you are typing
//	/history     print the current conversation
//	/online      list online users
//	/delete      wipe the current conversation locally
//	/quit        leave
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/orchestra-mcp/relay/src/client"
	"github.com/orchestra-mcp/relay/src/logging"
	"github.com/orchestra-mcp/relay/src/types"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket endpoint")
	user := flag.String("user", "", "user id to join as")
	db := flag.String("db", "", "SQLite message log (empty keeps history in memory)")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := logging.New(nil, *level, true)
	if *user == "" {
		logger.Fatal().Msg("-user is required")
	}

	var log client.LogStore = client.NewMemoryLog()
	if *db != "" {
		sqlLog, err := client.OpenSQLiteLog(*db)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *db).Msg("open message log")
		}
		defer sqlLog.Close()
		log = sqlLog
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store := client.NewStore(types.UserID(*user), log, logger)
	session, err := client.Dial(dialCtx, client.SessionOptions{URL: *url, User: types.UserID(*user)}, store, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}
	defer session.Close()

	go printEvents(session)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	var peer types.UserID
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(session, &peer, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(s *client.Session, peer *types.UserID, line string) bool {
	store := s.Store()
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "/quit":
		return true
	case "/to":
		*peer = types.UserID(strings.TrimSpace(arg))
		key := store.KeyFor(*peer)
		if err := store.Open(key); err != nil {
			fmt.Println("! history unavailable:", err)
		}
		store.Restore(key)
		store.Focus(key)
		fmt.Printf("-- talking to %s\n", *peer)
	case "/online":
		fmt.Println("-- online:", s.Presence().Online())
	case "/typing":
		if *peer != "" {
			if err := s.SetTyping(*peer, true); err != nil {
				fmt.Println("!", err)
			}
		}
	case "/history":
		if *peer == "" {
			break
		}
		for _, m := range store.Messages(store.KeyFor(*peer)) {
			fmt.Printf("[%s] %s: %s (%s)\n", m.SentAt.Local().Format(time.Kitchen), m.SenderID, m.Text, m.Status)
		}
	case "/delete":
		if *peer == "" {
			break
		}
		if err := store.Delete(store.KeyFor(*peer)); err != nil {
			fmt.Println("!", err)
		}
	default:
		if *peer == "" {
			fmt.Println("! pick a peer with /to <user>")
			break
		}
		if _, err := s.Send(*peer, line, types.MessageText); err != nil {
			fmt.Println("! send:", err)
		}
	}
	return false
}

func printEvents(s *client.Session) {
	for ev := range s.Events() {
		switch ev.Kind {
		case types.EventOnlineUsers:
			fmt.Println("-- online:", ev.Online)
		case types.EventUserOnline:
			fmt.Printf("-- %s is online\n", ev.User)
		case types.EventUserOffline:
			fmt.Printf("-- %s went offline\n", ev.User)
		case types.EventReceiveMessage:
			fmt.Printf("%s: %s\n", ev.Message.SenderID, ev.Message.Text)
		case types.EventMessageDelivered:
			fmt.Printf("   delivered to %s\n", ev.User)
		case types.EventMessageError:
			fmt.Printf("! %s: %s\n", ev.Error.Code, ev.Error.Reason)
		case types.EventUserTyping:
			if ev.Typing {
				fmt.Printf("-- %s is typing...\n", ev.User)
			}
		case client.EventDisconnected:
			fmt.Println("-- disconnected")
		}
	}
}
