// Command beatdown-cli is a terminal chat client that keeps its credit
// balance in a local SQLite file.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/beatdown/internal/chatapi"
	"github.com/ashureev/beatdown/internal/conversation"
	"github.com/ashureev/beatdown/internal/domain"
	"github.com/ashureev/beatdown/internal/ledger"
	"github.com/ashureev/beatdown/internal/store"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", envOr("BEATDOWN_CLI_DB", defaultDBPath()), "SQLite file holding the credit balance")
	endpointURL := flag.String("endpoint", envOr("CHAT_ENDPOINT_URL", "http://localhost:3000"+chatapi.DefaultPath), "chat endpoint URL (http(s):// or grpc://)")
	checkoutURL := flag.String("checkout", envOr("CHECKOUT_URL", "http://localhost:3000/api/stripe-checkout"), "checkout URL shown by /buy")
	redeemURL := flag.String("url", "", "page URL to redeem on start, e.g. https://beatdown.ai/?token=xyz")
	timeout := flag.Duration("timeout", 0, "chat request timeout (0 = none)")
	verbose := flag.Bool("v", false, "log debug output to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := store.NewSQLite(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open balance store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = kv.Close() }()

	endpoint, err := chatapi.New(chatapi.Options{URL: *endpointURL, Timeout: *timeout, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = endpoint.Close() }()

	l := ledger.New(kv, ledger.Options{}, logger)
	r := &repl{
		ledger:      l,
		ctrl:        conversation.New(l, endpoint, logger),
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		checkoutURL: *checkoutURL,
		sessionID:   uuid.NewString(),
	}
	if err := r.run(ctx, *redeemURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "beatdown-cli.db"
	}
	return filepath.Join(home, ".beatdown", "credits.db")
}

// repl is one page load of the widget in a terminal.
type repl struct {
	ledger      *ledger.Ledger
	ctrl        *conversation.Controller
	in          *bufio.Reader
	out         io.Writer
	checkoutURL string
	sessionID   string
}

func (r *repl) run(ctx context.Context, redeemURL string) error {
	if _, err := r.ledger.Initialize(ctx); err != nil {
		if errors.Is(err, ledger.ErrMalformedBalance) {
			return fmt.Errorf("%w (fix or delete the balance file to reset)", err)
		}
		return err
	}
	if redeemURL != "" {
		r.redeem(ctx, redeemURL)
	}

	unsubscribe := r.ctrl.Subscribe(r.render)
	defer unsubscribe()

	fmt.Fprintln(r.out, "Welcome to Beatdown.ai")
	fmt.Fprintf(r.out, "Session %s, %d credits. Commands: /credits /buy /redeem <url> /quit\n", r.sessionID, r.ledger.Balance())

	for {
		fmt.Fprint(r.out, "> ")
		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if quit := r.handle(ctx, line); quit {
			fmt.Fprintln(r.out, "Goodbye!")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle processes one line and reports whether to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd := strings.TrimSpace(line)
	switch {
	case cmd == "/quit" || cmd == "/exit":
		return true
	case cmd == "/credits":
		fmt.Fprintf(r.out, "Credits: %d\n", r.ledger.Balance())
	case cmd == "/buy":
		fmt.Fprintf(r.out, "Buy credits at %s\n", r.checkoutURL)
	case strings.HasPrefix(cmd, "/redeem"):
		r.redeem(ctx, strings.TrimSpace(strings.TrimPrefix(cmd, "/redeem")))
	default:
		r.send(ctx, line)
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	start := time.Now()
	outcome, err := r.ctrl.SendText(ctx, text)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	if !outcome.Accepted {
		if outcome.Reason == conversation.RejectNoCredits {
			fmt.Fprintln(r.out, "Out of credits. Type /buy.")
		}
		return
	}
	fmt.Fprintf(r.out, "[%d credits left, %s]\n", r.ledger.Balance(), time.Since(start).Round(time.Millisecond))
}

func (r *repl) redeem(ctx context.Context, raw string) {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		fmt.Fprintln(r.out, "Usage: /redeem <url>")
		return
	}
	granted, _, err := r.ledger.RedeemTopUp(ctx, u)
	switch {
	case err != nil:
		fmt.Fprintf(r.out, "Error: %v\n", err)
	case granted:
		fmt.Fprintf(r.out, "Redeemed %d credits. Credits: %d\n", r.ledger.Bonus(), r.ledger.Balance())
	default:
		fmt.Fprintln(r.out, "Nothing to redeem.")
	}
}

func (r *repl) render(ev conversation.Event) {
	if ev.Message == nil {
		return
	}
	switch ev.Message.Role {
	case domain.RoleUser:
		if ev.Snapshot.State == conversation.StateAwaitingResponse {
			fmt.Fprintln(r.out, "Thinking...")
		}
	default:
		fmt.Fprintf(r.out, "%s: %s\n", ev.Message.Label(), ev.Message.Content)
	}
}
