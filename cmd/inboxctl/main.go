package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/mktinbox/internal/api"
	"github.com/matheus3301/mktinbox/internal/client"
	"github.com/matheus3301/mktinbox/internal/profile"
	"github.com/matheus3301/mktinbox/internal/store"
	"github.com/matheus3301/mktinbox/internal/view"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	noStart := flag.Bool("no-start", false, "do not start inboxd when it is not running")
	flag.Usage = printUsage
	flag.Parse()

	name, err := profile.Resolve(*profileFlag, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "profiles" {
		if err := listProfiles(name, *jsonFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	socketPath := profile.SocketPath(name)
	if !probeDaemon(socketPath) {
		if *noStart {
			fmt.Fprintf(os.Stderr, "error: daemon not running for profile %q\n", name)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", name)
		if err := startDaemon(name); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fmt.Fprintln(os.Stderr, "daemon did not become ready")
			os.Exit(1)
		}
	}

	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// watch runs until interrupted; everything else gets a deadline.
	ctx := context.Background()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	out := &printer{json: *jsonFlag, now: time.Now(), loc: time.Local}
	if err := run(ctx, c.Inbox, out, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: inboxctl [--profile <name>] [--json] [--no-start] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  profiles                             List local profiles")
	fmt.Fprintln(os.Stderr, "  status                               Show daemon status")
	fmt.Fprintln(os.Stderr, "  list [--unread] [--today] [--sort s] [text]")
	fmt.Fprintln(os.Stderr, "                                       List conversations")
	fmt.Fprintln(os.Stderr, "  thread <conversation>                Show a conversation's messages")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>           Send a message")
	fmt.Fprintln(os.Stderr, "  retry <conversation> <temp-id>       Re-send a failed message")
	fmt.Fprintln(os.Stderr, "  read <conversation>                  Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  unread                               Show the total unread count")
	fmt.Fprintln(os.Stderr, "  open <conversation>                  Keep a conversation live in the daemon")
	fmt.Fprintln(os.Stderr, "  close <conversation>                 Release an open conversation")
	fmt.Fprintln(os.Stderr, "  start <listing> <recipient> <text>   Start a conversation about a listing")
	fmt.Fprintln(os.Stderr, "  refresh [conversation]               Fetch now")
	fmt.Fprintln(os.Stderr, "  watch [conversation-id]              Stream change notifications")
	fmt.Fprintln(os.Stderr, "  logout                               Clear local state")
}

var errUsage = errors.New("bad usage")

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("%w: inboxctl %s", errUsage, usage)
	}
	return nil
}

func run(ctx context.Context, c *api.InboxClient, out *printer, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		resp, err := c.GetStatus(ctx, &api.GetStatusRequest{})
		if err != nil {
			return err
		}
		out.status(resp)
	case "list":
		req, err := parseList(rest)
		if err != nil {
			return err
		}
		resp, err := c.ListConversations(ctx, req)
		if err != nil {
			return err
		}
		out.conversations(resp)
	case "thread":
		if err := need(rest, 1, "thread <conversation>"); err != nil {
			return err
		}
		resp, err := c.GetThread(ctx, &api.GetThreadRequest{ConversationID: rest[0]})
		if err != nil {
			return err
		}
		out.thread(resp)
	case "send":
		if err := need(rest, 2, "send <conversation> <text>"); err != nil {
			return err
		}
		resp, err := c.SendMessage(ctx, &api.SendMessageRequest{
			ConversationID: rest[0],
			Text:           strings.Join(rest[1:], " "),
		})
		if err != nil {
			return withRetryHint(err)
		}
		out.sent(resp)
	case "retry":
		if err := need(rest, 2, "retry <conversation> <temp-id>"); err != nil {
			return err
		}
		resp, err := c.RetryMessage(ctx, &api.RetryMessageRequest{ConversationID: rest[0], TempID: rest[1]})
		if err != nil {
			return withRetryHint(err)
		}
		out.sent(resp)
	case "read":
		if err := need(rest, 1, "read <conversation>"); err != nil {
			return err
		}
		resp, err := c.MarkRead(ctx, &api.MarkReadRequest{ConversationID: rest[0]})
		if err != nil {
			return err
		}
		out.value(resp, fmt.Sprintf("Marked read. Unread total: %d", resp.UnreadTotal))
	case "unread":
		resp, err := c.UnreadTotal(ctx, &api.UnreadTotalRequest{})
		if err != nil {
			return err
		}
		out.value(resp, fmt.Sprintf("%d", resp.Total))
	case "open":
		if err := need(rest, 1, "open <conversation>"); err != nil {
			return err
		}
		resp, err := c.OpenConversation(ctx, &api.OpenConversationRequest{ConversationID: rest[0]})
		if err != nil {
			return err
		}
		out.value(resp, fmt.Sprintf("%s: %s", rest[0], resp.State))
	case "close":
		if err := need(rest, 1, "close <conversation>"); err != nil {
			return err
		}
		resp, err := c.CloseConversation(ctx, &api.CloseConversationRequest{ConversationID: rest[0]})
		if err != nil {
			return err
		}
		out.value(resp, fmt.Sprintf("%s: closed", rest[0]))
	case "start":
		if err := need(rest, 3, "start <listing> <recipient> <text>"); err != nil {
			return err
		}
		resp, err := c.StartConversation(ctx, &api.StartConversationRequest{
			ListingID:   rest[0],
			RecipientID: rest[1],
			Text:        strings.Join(rest[2:], " "),
		})
		if err != nil {
			return err
		}
		out.value(resp, fmt.Sprintf("Started %s (%s)", resp.Conversation.ID, resp.Conversation.Subject))
	case "refresh":
		req := &api.RefreshRequest{}
		if len(rest) > 0 {
			req.ConversationID = rest[0]
		}
		resp, err := c.Refresh(ctx, req)
		if err != nil {
			return err
		}
		out.value(resp, "ok")
	case "watch":
		req := &api.WatchRequest{}
		if len(rest) > 0 {
			req.ConversationID = rest[0]
		}
		stream, err := c.Watch(ctx, req)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			out.event(evt)
		}
	case "logout":
		resp, err := c.Logout(ctx, &api.LogoutRequest{})
		if err != nil {
			return err
		}
		out.value(resp, resp.Message)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

// withRetryHint appends the retry command for a message that was not sent.
func withRetryHint(err error) error {
	h, ok := api.FailedSend(err)
	if !ok {
		return err
	}
	return fmt.Errorf("%w\nretry with: inboxctl retry %s %s", err, h.ConversationID, h.TempID)
}

func parseList(args []string) (*api.ListConversationsRequest, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	unread := fs.Bool("unread", false, "only conversations with unread messages")
	today := fs.Bool("today", false, "only conversations active today")
	sort := fs.String("sort", "date", "date, name or unread")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if _, err := view.ParseSort(*sort); err != nil {
		return nil, err
	}
	return &api.ListConversationsRequest{
		Query:      strings.Join(fs.Args(), " "),
		UnreadOnly: *unread,
		TodayOnly:  *today,
		Sort:       *sort,
	}, nil
}

// probeDaemon checks if a daemon is running and responsive on the socket.
func probeDaemon(socketPath string) bool {
	c, err := client.New(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.Inbox.GetStatus(ctx, &api.GetStatusRequest{})
	return err == nil
}

func startDaemon(name string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	inboxd := filepath.Join(filepath.Dir(executable), "inboxd")

	if _, err := os.Stat(inboxd); err != nil {
		inboxd = "inboxd"
	}

	cmd := exec.Command(inboxd, "--profile", name)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real gRPC call (not just socket connect).
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}

type printer struct {
	json bool
	now  time.Time
	loc  *time.Location
}

func (p *printer) value(v any, text string) {
	if p.json {
		outputJSON(v)
		return
	}
	fmt.Println(text)
}

func (p *printer) status(resp *api.GetStatusResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:       %s\n", resp.Profile)
	fmt.Printf("Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Conversations: %d\n", resp.Conversations)
	fmt.Printf("Unread:        %d\n", resp.UnreadTotal)
	if resp.Unauthorized {
		fmt.Println("Credential:    rejected, write a fresh token to the profile's token file")
	}
	for id, st := range resp.OpenConversations {
		fmt.Printf("Open:          %s (%s)\n", id, st)
	}
}

func (p *printer) conversations(resp *api.ListConversationsResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range resp.Conversations {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		fmt.Printf("%-12s %-20s %-24s %5s %-8s %s\n",
			c.ID,
			truncate(c.ParticipantName, 20),
			truncate(c.Subject, 24),
			unread,
			view.FormatTimestamp(api.Time(c.LastMessageAtUnixMs), p.now, p.loc),
			truncate(c.LastMessageText, 40),
		)
	}
	fmt.Printf("\n%d unread\n", resp.UnreadTotal)
}

func (p *printer) thread(resp *api.GetThreadResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("%s with %s\n", resp.Conversation.Subject, resp.Conversation.ParticipantName)

	fromMe := make(map[string]bool, len(resp.Messages))
	msgs := make([]store.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		fromMe[m.SenderID] = fromMe[m.SenderID] || m.FromMe
		msgs = append(msgs, m.ToStore())
	}
	for _, day := range view.GroupByDay(msgs, p.loc) {
		fmt.Printf("\n  --- %s ---\n", view.DayLabel(day.Day, p.now, p.loc))
		for _, run := range day.Runs {
			who := resp.Conversation.ParticipantName
			if fromMe[run.SenderID] {
				who = "You"
			}
			fmt.Printf("  %s:\n", who)
			for _, m := range run.Messages {
				fmt.Printf("    %s %s%s\n", m.SentAt.In(p.loc).Format("15:04"), m.Text, stateMark(m))
			}
		}
	}
}

func (p *printer) sent(resp *api.SendMessageResponse) {
	if p.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Sent %s (%s)\n", resp.Message.ID, resp.Message.State)
}

func (p *printer) event(evt *api.Event) {
	if p.json {
		outputJSON(evt)
		return
	}
	id := evt.ConversationID
	if id == "" {
		id = "-"
	}
	fmt.Printf("%s %s %s\n", api.Time(evt.OccurredAtUnixMs).In(p.loc).Format("15:04:05"), evt.Kind, id)
}

func stateMark(m store.Message) string {
	switch m.State {
	case store.Pending:
		return " [sending]"
	case store.Failed:
		return fmt.Sprintf(" [failed, retry with %s]", m.TempID)
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

// listProfiles prints local profiles, marking the active one and those with a
// running daemon. It never starts inboxd.
func listProfiles(active string, asJSON bool) error {
	names, err := profile.List()
	if err != nil {
		return err
	}
	type entry struct {
		Name    string `json:"name"`
		Active  bool   `json:"active"`
		Running bool   `json:"running"`
	}
	out := make([]entry, 0, len(names))
	for _, n := range names {
		out = append(out, entry{Name: n, Active: n == active, Running: probeDaemon(profile.SocketPath(n))})
	}
	if asJSON {
		outputJSON(out)
		return nil
	}
	for _, e := range out {
		mark := " "
		if e.Active {
			mark = "*"
		}
		state := "stopped"
		if e.Running {
			state = "running"
		}
		fmt.Printf("%s %-20s %s\n", mark, e.Name, state)
	}
	return nil
}
