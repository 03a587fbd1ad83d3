// Command dmcli is a terminal client for direct messages. It keeps one
// conversation open, prints history and live arrivals, and sends each line
// typed on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/client"
	"dm-service/internal/models"
	"dm-service/internal/reconcile"
)

func main() {
	if err := run(); err != nil {
		color.Error.Println(err.Error())
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	server := flag.String("server", envOr("DM_SERVER", "http://localhost:8083"), "service base URL")
	token := flag.String("token", os.Getenv("DM_TOKEN"), "bearer token")
	peer := flag.Int64("peer", 0, "user id to chat with; omit to list users")
	image := flag.String("image", "", "send this image file to -peer and exit")
	flag.Parse()

	if *token == "" {
		return errors.New("a token is required (-token or DM_TOKEN)")
	}
	self, err := auth.UserIDUnverified(*token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(*server, *token)
	if *peer == 0 {
		return listUsers(ctx, api)
	}
	if *image != "" {
		return sendImage(ctx, api, *peer, *image)
	}
	return chat(ctx, api, *server, *token, self, *peer)
}

func listUsers(ctx context.Context, api *client.Client) error {
	users, err := api.ListPartners(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Printf("%s  %s <%s>\n", color.Cyan.Sprintf("%6d", u.ID), u.FullName, u.Email)
	}
	return nil
}

func sendImage(ctx context.Context, api *client.Client, peer int64, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	msg, err := api.Send(ctx, peer, nil, data)
	if err != nil {
		return err
	}
	color.Success.Printf("sent image as message %d: %s\n", msg.ID, deref(msg.AttachmentURL))
	return nil
}

func chat(ctx context.Context, api *client.Client, server, token string, self, peer int64) error {
	log, _ := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	defer log.Sync()

	stream, err := client.DialStream(ctx, server, token, log)
	if err != nil {
		return fmt.Errorf("connect live stream: %w", err)
	}
	defer stream.Close()

	view := reconcile.NewView(self, api, stream, log)
	printer := &printer{self: self}
	view.OnChange(printer.render)
	if err := view.Open(ctx, peer); err != nil {
		return err
	}
	defer view.Close()
	color.Info.Printf("chatting with user %d, type a message and press enter\n", view.Peer())

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stream.Done():
			if err := stream.Err(); err != nil {
				return fmt.Errorf("live stream ended: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			msg, err := api.Send(ctx, view.Peer(), &line, nil)
			if err != nil {
				color.Warn.Println("send failed:", err.Error())
				continue
			}
			view.AddSent(msg)
		}
	}
}

// printer prints the tail of the view that has not been shown yet. A
// reload starts over.
type printer struct {
	mu    sync.Mutex
	self  int64
	shown int
}

func (p *printer) render(state reconcile.State, msgs []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state != reconcile.Ready {
		p.shown = 0
		return
	}
	for _, m := range msgs[min(p.shown, len(msgs)):] {
		who := color.Magenta.Sprint(strconv.FormatInt(m.SenderID, 10))
		if m.SenderID == p.self {
			who = color.Green.Sprint("you")
		}
		line := deref(m.Text)
		if m.AttachmentURL != nil {
			line = strings.TrimSpace(line + " " + color.Blue.Sprint("[image] "+*m.AttachmentURL))
		}
		fmt.Printf("%s %s: %s\n", color.Gray.Sprint(m.CreatedAt.Local().Format("15:04:05")), who, line)
	}
	p.shown = len(msgs)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
