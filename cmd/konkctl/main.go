package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/kontalk/konk/internal/api"
	"github.com/kontalk/konk/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	outputFlag := flag.String("o", "text", "output format: text, json or yaml")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("%v", err)
	}
	out, err := newPrinter(*outputFlag)
	if err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, conn, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = conn.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	cmd := &command{c: c, out: out, args: args[1:]}
	switch args[0] {
	case "status":
		err = cmd.status(ctx)
	case "fingerprint":
		err = cmd.fingerprint(ctx)
	case "connect":
		err = cmd.connect(ctx)
	case "disconnect":
		err = c.Disconnect(ctx)
	case "send":
		err = cmd.send(ctx)
	case "chats":
		err = cmd.chats(ctx)
	case "messages":
		err = cmd.messages(ctx)
	case "group":
		err = cmd.group(ctx)
	case "keys":
		err = cmd.keys(ctx)
	case "passwd":
		err = cmd.passwd(ctx)
	case "import":
		err = cmd.importAccount(ctx)
	case "watch":
		err = cmd.watch(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: konkctl [--profile <name>] [-o text|json|yaml] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show connection and account status")
	fmt.Fprintln(os.Stderr, "  fingerprint [-qr]               Show the account key fingerprint")
	fmt.Fprintln(os.Stderr, "  connect                         Connect, asking for the password if needed")
	fmt.Fprintln(os.Stderr, "  disconnect                      Disconnect from the server")
	fmt.Fprintln(os.Stderr, "  send [-f file] <jid|chat> [text] Send a message or a file")
	fmt.Fprintln(os.Stderr, "  chats                           List chats")
	fmt.Fprintln(os.Stderr, "  messages [-n N] [-before ID] <chat>  List messages of a chat")
	fmt.Fprintln(os.Stderr, "  group create <subject> <jid>... Create a group chat")
	fmt.Fprintln(os.Stderr, "  group leave <chat>              Leave a group chat")
	fmt.Fprintln(os.Stderr, "  keys [list]                     List keys waiting for confirmation")
	fmt.Fprintln(os.Stderr, "  keys accept|decline <jid>       Decide on a pending key")
	fmt.Fprintln(os.Stderr, "  passwd                          Change or remove the account password")
	fmt.Fprintln(os.Stderr, "  import <file.zip>               Import an exported account")
	fmt.Fprintln(os.Stderr, "  import -url URL -token T        Import an account from the server")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream daemon events")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
