package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/peerline/internal/call"
	"github.com/petervdpas/peerline/internal/chat"
	"github.com/petervdpas/peerline/internal/chatlog"
	"github.com/petervdpas/peerline/internal/session"
)

const promptHelp = `commands:
  wait [reason]     announce yourself and wait for a call
  cancel            stop waiting
  list              show users currently waiting
  answer <n|uid>    answer a waiting user (index from list, or uid)
  end               hang up the current call
  mic               toggle the microphone
  chat              request text chat for this call
  say <text>        send a chat message
  history [n]       show recent chat for this call
  convs             show past conversations
  delconv <id>      delete a conversation and its messages
  bg / fg           background / foreground the call
  status            show controller state
  quit              exit`

// runPrompt is the interactive stdin loop. It returns when stdin closes or
// the user quits.
func runPrompt(ctrl *call.Controller, bridge *chat.Bridge, clog *chatlog.Log, uid string) error {
	var lastList []session.WaitingEntry

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("peerline ready, type 'help' for commands")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch cmd {
		case "help":
			fmt.Println(promptHelp)

		case "wait":
			ctrl.StartWaiting(rest)

		case "cancel":
			ctrl.CancelWaiting()

		case "list":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			entries, err := ctrl.ListWaiting(ctx)
			cancel()
			if err != nil {
				fmt.Println("list failed:", err)
				continue
			}
			lastList = entries
			if len(entries) == 0 {
				fmt.Println("nobody is waiting")
				continue
			}
			for i, e := range entries {
				if e.UID == uid {
					continue
				}
				reason := e.Reason
				if reason == "" {
					reason = "-"
				}
				fmt.Printf("  [%d] %s (%s) %s\n", i, e.Nickname, e.UID, reason)
			}

		case "answer":
			entry, ok := pickEntry(lastList, rest, uid)
			if !ok {
				fmt.Println("unknown entry, run 'list' first")
				continue
			}
			ctrl.AnswerCall(entry.SessionID, entry.UID, entry.Nickname)

		case "end":
			ctrl.EndCall()

		case "mic":
			ctrl.SetMicEnabled(!ctrl.Snapshot().MicEnabled)

		case "chat":
			ctrl.RequestChat()

		case "say":
			if err := bridge.Send(rest); err != nil {
				fmt.Println("send failed:", err)
			}

		case "history":
			limit := 20
			if rest != "" {
				if n, err := strconv.Atoi(rest); err == nil {
					limit = n
				}
			}
			msgs, err := bridge.History(limit)
			if err != nil {
				fmt.Println("history failed:", err)
				continue
			}
			printMessages(msgs)

		case "convs":
			convs, err := clog.Conversations()
			if err != nil {
				fmt.Println("conversations failed:", err)
				continue
			}
			for _, c := range convs {
				fmt.Printf("  %s peer=%s (%s) msgs=%d last=%q\n",
					c.SessionID, c.PeerName, c.PeerUID, c.TotalMessages, c.LastMessage)
			}

		case "delconv":
			if rest == "" {
				fmt.Println("usage: delconv <session id>")
				continue
			}
			if err := clog.DeleteConversation(rest); err != nil {
				fmt.Println("delete failed:", err)
			}

		case "bg":
			ctrl.EnterBackground()

		case "fg":
			ctrl.EnterForeground()

		case "status":
			printStatus(ctrl.Snapshot())

		case "quit", "exit":
			return nil

		default:
			fmt.Println("unknown command, type 'help'")
		}
	}
}

// pickEntry resolves an answer target from a list index or a uid.
func pickEntry(entries []session.WaitingEntry, arg, selfUID string) (session.WaitingEntry, bool) {
	if arg == "" {
		return session.WaitingEntry{}, false
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n >= 0 && n < len(entries) && entries[n].UID != selfUID {
			return entries[n], true
		}
		return session.WaitingEntry{}, false
	}
	for _, e := range entries {
		if e.UID == arg && e.UID != selfUID {
			return e, true
		}
	}
	return session.WaitingEntry{}, false
}

func printMessages(msgs []chatlog.Message) {
	if len(msgs) == 0 {
		fmt.Println("no messages")
		return
	}
	for _, m := range msgs {
		who := m.PeerName
		if m.FromSelf {
			who = "me"
		}
		if who == "" {
			who = m.PeerUID
		}
		ts := time.UnixMilli(m.SentAt).Format("15:04:05")
		fmt.Printf("  [%s] %s: %s\n", ts, who, m.Content)
	}
}

func printStatus(s call.Snapshot) {
	fmt.Printf("  state=%s session=%s peer=%s mic=%v chat(requested=%v connected=%v) conn=%s\n",
		s.State, s.SessionID, s.PeerUID, s.MicEnabled, s.ChatRequested, s.ChatConnected, s.ConnStatus)
	if s.TimeoutMessage != "" {
		fmt.Println("  note:", s.TimeoutMessage)
	}
	if s.LastError != "" {
		fmt.Println("  error:", s.LastError)
	}
}
