package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/kontalk/konk/internal/api"
)

type command struct {
	c    *api.Client
	out  *printer
	args []string
}

func (cmd *command) status(ctx context.Context) error {
	st, err := cmd.c.Status(ctx)
	if err != nil {
		return err
	}
	return cmd.out.print(st, func(w io.Writer) {
		fmt.Fprintf(w, "Profile:     %s\n", st.Profile)
		fmt.Fprintf(w, "Status:      %s\n", st.State)
		if st.JID != "" {
			fmt.Fprintf(w, "Account:     %s\n", st.JID)
			fmt.Fprintf(w, "Fingerprint: %s\n", st.Fingerprint)
		} else {
			fmt.Fprintln(w, "Account:     none (use konkctl import)")
		}
		fmt.Fprintf(w, "Uptime:      %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
		fmt.Fprintf(w, "Chats:       %d\n", st.Chats)
		if st.PendingKeys > 0 {
			fmt.Fprintf(w, "Pending keys: %d (see konkctl keys)\n", st.PendingKeys)
		}
		if st.PendingAttachments > 0 {
			fmt.Fprintf(w, "Transfers:   %d queued\n", st.PendingAttachments)
		}
	})
}

// fingerprint shows the account key fingerprint, optionally as a QR code
// a peer can scan to verify it.
func (cmd *command) fingerprint(ctx context.Context) error {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	qr := fs.Bool("qr", false, "also print a QR code")
	_ = fs.Parse(cmd.args)

	st, err := cmd.c.Status(ctx)
	if err != nil {
		return err
	}
	if st.Fingerprint == "" {
		return errors.New("no account key loaded; connect or import an account first")
	}
	uri := verificationURI(st.JID, st.Fingerprint)
	v := map[string]string{"jid": st.JID, "fingerprint": st.Fingerprint, "uri": uri}
	return cmd.out.print(v, func(w io.Writer) {
		fmt.Fprintf(w, "%s\n%s\n", st.JID, groupFingerprint(st.Fingerprint))
		if !*qr {
			return
		}
		code, err := renderQR(uri)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Fprintf(w, "\n%s", code)
	})
}

// connect tries the stored passphrase first and asks for the password
// only when the daemon says one is needed.
func (cmd *command) connect(ctx context.Context) error {
	err := cmd.c.Connect(ctx, "")
	if grpcstatus.Code(err) != codes.Unauthenticated {
		return err
	}
	pass, err := readPassword("Account password: ")
	if err != nil {
		return err
	}
	return cmd.c.Connect(ctx, pass)
}

func (cmd *command) send(ctx context.Context) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	file := fs.String("f", "", "file to send")
	_ = fs.Parse(cmd.args)
	if fs.NArg() < 1 {
		return errors.New("usage: konkctl send [-f file] <jid|chat-id> [text]")
	}
	req := api.SendRequest{Text: strings.Join(fs.Args()[1:], " ")}
	if id, err := strconv.ParseInt(fs.Arg(0), 10, 64); err == nil {
		req.ChatID = id
	} else {
		req.JID = fs.Arg(0)
	}

	var (
		m   *api.MessageView
		err error
	)
	if *file != "" {
		// The daemon reads the file, so relative paths are resolved here.
		if req.Path, err = filepath.Abs(*file); err != nil {
			return err
		}
		m, err = cmd.c.SendFile(ctx, req)
	} else {
		m, err = cmd.c.SendText(ctx, req)
	}
	if err != nil {
		return err
	}
	return cmd.out.print(m, func(w io.Writer) {
		fmt.Fprintf(w, "Message %d in chat %d: %s\n", m.ID, m.ChatID, m.Status)
	})
}

func (cmd *command) chats(ctx context.Context) error {
	list, err := cmd.c.ListChats(ctx)
	if err != nil {
		return err
	}
	return cmd.out.print(list, func(w io.Writer) {
		if len(list.Chats) == 0 {
			fmt.Fprintln(w, "No chats.")
			return
		}
		for _, c := range list.Chats {
			name := strings.Join(c.Members, ", ")
			if c.Group {
				name = fmt.Sprintf("%s [group: %s]", c.Subject, name)
			}
			fmt.Fprintf(w, "%6d  %s\n", c.ID, name)
		}
	})
}

func (cmd *command) messages(ctx context.Context) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of messages")
	before := fs.Int64("before", 0, "only messages older than this id")
	_ = fs.Parse(cmd.args)
	chatID, err := chatArg(fs.Args())
	if err != nil {
		return err
	}

	list, err := cmd.c.ListMessages(ctx, api.ListMessagesRequest{ChatID: chatID, BeforeID: *before, Limit: *limit})
	if err != nil {
		return err
	}
	return cmd.out.print(list, func(w io.Writer) {
		for _, m := range list.Messages {
			from := m.Peer
			if m.Outgoing {
				from = "me"
			}
			body := m.Text
			if m.Attachment != "" {
				body = strings.TrimSpace(fmt.Sprintf("%s [%s %s]", body, m.MimeType, m.Attachment))
			}
			fmt.Fprintf(w, "%6d %s %-8s %s: %s\n", m.ID, m.Date.Local().Format("2006-01-02 15:04"), m.Status, from, body)
			if len(m.Errors) > 0 {
				fmt.Fprintf(w, "       security: %s\n", strings.Join(m.Errors, ", "))
			}
		}
		if list.HasMore && len(list.Messages) > 0 {
			fmt.Fprintf(w, "(more: konkctl messages -before %d %d)\n", list.Messages[0].ID, chatID)
		}
	})
}

func (cmd *command) group(ctx context.Context) error {
	if len(cmd.args) == 0 {
		return errors.New("usage: konkctl group create|leave ...")
	}
	switch cmd.args[0] {
	case "create":
		if len(cmd.args) < 3 {
			return errors.New("usage: konkctl group create <subject> <jid>...")
		}
		chat, err := cmd.c.CreateGroup(ctx, api.CreateGroupRequest{Subject: cmd.args[1], JIDs: cmd.args[2:]})
		if err != nil {
			return err
		}
		return cmd.out.print(chat, func(w io.Writer) {
			fmt.Fprintf(w, "Created group chat %d with %s\n", chat.ID, strings.Join(chat.Members, ", "))
		})
	case "leave":
		chatID, err := chatArg(cmd.args[1:])
		if err != nil {
			return err
		}
		return cmd.c.LeaveGroup(ctx, chatID)
	default:
		return fmt.Errorf("unknown group subcommand: %s", cmd.args[0])
	}
}

func (cmd *command) keys(ctx context.Context) error {
	sub := "list"
	if len(cmd.args) > 0 {
		sub = cmd.args[0]
	}
	switch sub {
	case "list":
		list, err := cmd.c.PendingKeys(ctx)
		if err != nil {
			return err
		}
		return cmd.out.print(list, func(w io.Writer) {
			if len(list.Keys) == 0 {
				fmt.Fprintln(w, "No keys waiting for confirmation.")
				return
			}
			for _, k := range list.Keys {
				fmt.Fprintf(w, "%s  %s  (received %s)\n", k.JID, k.Fingerprint, k.ReceivedAt.Local().Format(time.DateTime))
			}
		})
	case "accept", "decline":
		if len(cmd.args) != 2 {
			return fmt.Errorf("usage: konkctl keys %s <jid>", sub)
		}
		return cmd.c.ConfirmKey(ctx, cmd.args[1], sub == "accept")
	default:
		return fmt.Errorf("unknown keys subcommand: %s", sub)
	}
}

// passwd changes the account password. An empty new password removes it.
func (cmd *command) passwd(ctx context.Context) error {
	oldPass, err := readPassword("Current password (empty if none): ")
	if err != nil {
		return err
	}
	newPass, err := readPassword("New password (empty to remove): ")
	if err != nil {
		return err
	}
	if newPass != "" {
		again, err := readPassword("Repeat new password: ")
		if err != nil {
			return err
		}
		if again != newPass {
			return errors.New("passwords do not match")
		}
	}
	if err := cmd.c.SetPassword(ctx, oldPass, newPass); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Password changed.")
	return nil
}

func (cmd *command) importAccount(ctx context.Context) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	url := fs.String("url", "", "server endpoint holding the private key")
	token := fs.String("token", "", "registration token for -url")
	_ = fs.Parse(cmd.args)

	req := api.ImportRequest{URL: *url, Token: *token}
	switch {
	case fs.NArg() == 1:
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			return err
		}
		req.Path = path
	case *url == "" || *token == "":
		return errors.New("usage: konkctl import <file.zip> | import -url URL -token TOKEN")
	}
	pass, err := readPassword("Key password: ")
	if err != nil {
		return err
	}
	req.Password = pass

	r, err := cmd.c.ImportAccount(ctx, req)
	if err != nil {
		return err
	}
	return cmd.out.print(r, func(w io.Writer) {
		fmt.Fprintf(w, "Imported account %s\n", r.JID)
	})
}

func (cmd *command) watch(ctx context.Context) error {
	prefix := ""
	if len(cmd.args) > 0 {
		prefix = cmd.args[0]
	}
	return cmd.c.WatchEvents(ctx, prefix, func(e api.Event) {
		err := cmd.out.print(e, func(w io.Writer) {
			fmt.Fprintf(w, "%s %-28s %v\n", e.At.Local().Format(time.TimeOnly), e.Kind, e.Payload)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	})
}

func chatArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("a chat id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", args[0])
	}
	return id, nil
}

var stdin = bufio.NewReader(os.Stdin)

// readPassword prompts on the terminal without echo, or reads one line
// from a non-interactive stdin.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pass), nil
}
