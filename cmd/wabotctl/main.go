// wabotctl drives a running wabot server from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/pflag"
)

const usage = `usage: wabotctl [flags] <command> [args]

commands:
  status                 show session state and counters
  qr                     print the current pairing code
  relink                 wipe credentials and start a fresh pairing
  logout                 unlink the device, then start a fresh pairing
  send <number> <text>   send a message
  clear-history <number> delete the stored conversation with a contact
  watch                  follow live status updates

flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("wabotctl", pflag.ContinueOnError)
	server := flags.StringP("server", "s", envOr("WABOT_URL", "http://localhost:3000"), "server base URL (env WABOT_URL)")
	token := flags.StringP("token", "t", os.Getenv("CONTROL_TOKEN"), "operator token (env CONTROL_TOKEN)")
	out := flags.StringP("out", "o", "", "qr: write the PNG to this file instead of printing")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return fmt.Errorf("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newClient(*server, *token)
	rest := flags.Args()[1:]

	switch cmd := flags.Arg(0); cmd {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Print(renderStatus(st))
		return nil

	case "qr":
		if *out != "" {
			return writeQRImage(ctx, c, *out)
		}
		qr, err := c.RawQR(ctx)
		if err != nil {
			return err
		}
		code, err := qrcode.New(qr.Code, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("encode qr: %w", err)
		}
		fmt.Println(code.ToSmallString(false))
		fmt.Println(mutedStyle.Render(fmt.Sprintf("attempt %d, scan with the phone's linked devices screen", qr.Attempt)))
		return nil

	case "relink":
		msg, err := c.Relink(ctx)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil

	case "logout":
		msg, err := c.Logout(ctx)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil

	case "send":
		if len(rest) != 2 {
			return fmt.Errorf("usage: wabotctl send <number> <text>")
		}
		id, err := c.Send(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		fmt.Println("sent", id)
		return nil

	case "clear-history":
		if len(rest) != 1 {
			return fmt.Errorf("usage: wabotctl clear-history <number>")
		}
		n, err := c.ClearHistory(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d turns\n", n)
		return nil

	case "watch":
		ws, err := c.Watch(ctx)
		if err != nil {
			return err
		}
		defer ws.Close(websocket.StatusNormalClosure, "")
		_, err = tea.NewProgram(newWatchModel(ctx, ws)).Run()
		return err

	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func writeQRImage(ctx context.Context, c *client, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := c.QRImage(ctx, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Println("wrote", path)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
