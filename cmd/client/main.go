package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/residence-chat/internal/client"
	"github.com/npezzotti/residence-chat/internal/types"
)

const quitCommand = "/quit"

func main() {
	var (
		serverURL string
		token     string
		tokenFile string
		verbose   bool
	)
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "chat server base URL")
	flag.StringVar(&token, "token", os.Getenv("RESIDENCE_CHAT_TOKEN"), "bearer token")
	flag.StringVar(&tokenFile, "token-file", "", "file holding the bearer token, re-read on every reconnect")
	flag.BoolVar(&verbose, "v", false, "log connection details to stderr")
	flag.Parse()

	logger := log.New(os.Stderr, "[residence-chat-client] ", log.LstdFlags)

	wsURL, err := websocketURL(serverURL)
	if err != nil {
		logger.Fatal("server url:", err)
	}

	var creds client.CredentialStore = client.StaticToken(token)
	if tokenFile != "" {
		creds = client.FileToken{Path: tokenFile}
	}

	opts := []client.Option{}
	if verbose {
		opts = append(opts, client.WithLogger(logger))
	}

	api := client.NewAPIClient(serverURL)
	ctl := client.NewController(creds, client.NewWSDialer(wsURL, logger), api, api, opts...)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	err = ctl.Initialize(initCtx)
	cancelInit()
	if err != nil {
		fmt.Println(ctl.Status())
		os.Exit(1)
	}

	// the initial state changes and history are already queued as events
	go printEvents(ctl)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case <-sigs:
			break loop
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == quitCommand {
				break loop
			}
			if strings.TrimSpace(line) == "" {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := ctl.Send(ctx, line)
			cancel()
			if err != nil {
				fmt.Printf("! not sent (%s): %s\n", describe(err), line)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctl.Disconnect(ctx); err != nil {
		logger.Println("disconnect:", err)
	}
	fmt.Println(ctl.Status())
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func printEvents(ctl *client.Controller) {
	for ev := range ctl.Events() {
		switch ev.Kind {
		case client.EventState:
			fmt.Printf("-- %s\n", ev.Status)
		case client.EventHistory:
			fmt.Println("-- history reloaded")
			for _, m := range ctl.Messages() {
				printMessage(m)
			}
		case client.EventMessage:
			printMessage(*ev.Message)
		case client.EventRevoked:
			fmt.Printf("-- removed from residence %d\n", ev.ResidenceId)
		}
	}
}

func printMessage(m types.Message) {
	fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.SenderName, m.Text)
}

func describe(err error) string {
	switch {
	case errors.Is(err, types.ErrNotConnected):
		return "offline"
	case errors.Is(err, types.ErrNoResidence):
		return "no residence"
	default:
		return err.Error()
	}
}
