package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay-gateway/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(os.Args[2:])
	case "cancel":
		err = runCancel(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "version":
		fmt.Println(version.FullInfo())
	case "help", "--help", "-h":
		printUsage()
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl %s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`ChatRelay CLI

Usage:
  relayctl chat --message "..." [flags]   Stream one chat turn, printing chunks
  relayctl cancel --session <id> [flags]  Cancel a running session
  relayctl status [--session <id>]        Show server health or one session
  relayctl version                        Print build information

Flags:
  --addr string      relay base URL (default 'http://localhost:8084')
  --session string   session id (chat: generated when omitted)
  --message string   user message for chat
  --model string     model override for chat
`)
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "http://localhost:8084", "relay base URL")
	sessionID := fs.String("session", "", "session id")
	message := fs.String("message", "", "user message")
	model := fs.String("model", "", "model override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*message) == "" {
		return fmt.Errorf("--message is required")
	}
	if *sessionID == "" {
		*sessionID = uuid.New().String()
		fmt.Fprintf(os.Stderr, "session: %s\n", *sessionID)
	}

	body, _ := json.Marshal(map[string]any{
		"sessionId": *sessionID,
		"message":   *message,
		"model":     *model,
	})
	resp, err := http.Post(strings.TrimSuffix(*addr, "/")+"/v1/chat/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return printStream(resp.Body)
}

// printStream renders the event stream: chunk text inline, terminal events as
// one summary line each on stderr.
func printStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "chunk":
				var p struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal([]byte(data), &p); err == nil {
					fmt.Print(p.Text)
				}
			case "done":
				fmt.Println()
				fmt.Fprintf(os.Stderr, "done: %s\n", data)
			case "stopped", "error", "config":
				fmt.Println()
				fmt.Fprintf(os.Stderr, "%s: %s\n", event, data)
			}
		}
	}
	return scanner.Err()
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "http://localhost:8084", "relay base URL")
	sessionID := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("--session is required")
	}
	body, _ := json.Marshal(map[string]string{"sessionId": *sessionID})
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimSuffix(*addr, "/")+"/v1/chat/cancel", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSONBody(resp.Body)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "http://localhost:8084", "relay base URL")
	sessionID := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	url := strings.TrimSuffix(*addr, "/") + "/health"
	if *sessionID != "" {
		url = strings.TrimSuffix(*addr, "/") + "/v1/sessions/" + *sessionID
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session %s not found", *sessionID)
	}
	return printJSONBody(resp.Body)
}

func printJSONBody(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(raw)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
