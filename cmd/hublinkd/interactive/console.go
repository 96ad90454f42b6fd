// Package interactive provides the hublinkd bring-up console.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/hublink/hublink-go/pkg/connection"
	"github.com/hublink/hublink-go/pkg/credentials"
	"github.com/hublink/hublink-go/pkg/signing"
	"github.com/hublink/hublink-go/pkg/transport"
	"github.com/hublink/hublink-go/pkg/watchdog"
)

// Link is the connection state machine as seen by the console.
type Link interface {
	Status() connection.Status
	Submit(o connection.Outgoing) bool
	Dump(w io.Writer)
}

// Buffer is the outbound buffer as seen by the console.
type Buffer interface {
	Enqueue(sourceID uint64, payload []byte) bool
	Len() int
	Capacity() int
	Dump(w io.Writer)
}

// Credentials is the credential store as seen by the console.
type Credentials interface {
	Credentials() (credentials.Credentials, bool)
	LastSource() signing.Source
	CurrentHash() uint32
	Purge() error
}

// Watchdog reports the liveness watchdog.
type Watchdog interface {
	State() watchdog.State
	Remaining() time.Duration
}

// Worker queues signed exchanges.
type Worker interface {
	Submit(req *transport.Request, done transport.DoneFunc) bool
}

// Config holds the components the console drives. Nil components disable
// their commands.
type Config struct {
	Link        Link
	Buffer      Buffer
	Credentials Credentials
	Watchdog    Watchdog
	Worker      Worker

	// NewRequest builds a signed request for the post command.
	NewRequest func(resource, body string) *transport.Request
}

// Console handles interactive mode for hublinkd.
type Console struct {
	cfg Config
	rl  *readline.Instance
	out io.Writer
}

// New creates a console reading from rl.
func New(rl *readline.Instance, cfg Config) *Console {
	c := newConsole(rl.Stdout(), cfg)
	c.rl = rl
	return c
}

func newConsole(out io.Writer, cfg Config) *Console {
	return &Console{cfg: cfg, out: out}
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if c.Execute(line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns true when the console should
// exit.
func (c *Console) Execute(line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "status", "s":
		c.cmdStatus()

	case "buffer", "b":
		c.cmdBuffer()

	case "enqueue", "e":
		c.cmdEnqueue(args)

	case "send":
		c.cmdSend(args)

	case "creds":
		c.cmdCreds()

	case "hash":
		c.cmdHash()

	case "purge":
		c.cmdPurge()

	case "post":
		c.cmdPost(args)

	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
Hub Link Commands:
  Link:
    status                  - Show link state, counters and watchdog
    send <subtopic|-> <txt> - Publish a message ahead of the buffer

  Buffer:
    buffer                  - List buffered messages
    enqueue <source> <txt>  - Buffer a message (source id in hex, 0 for none)

  Credentials:
    creds                   - Show the current credential set
    hash                    - Show the hash of the stored certificate and key
    purge                   - Erase stored certificate, key and derived key
    post <resource> [body]  - Send a signed request to the credential host

  General:
    help                    - Show this help
    quit                    - Exit`)
}

func (c *Console) cmdStatus() {
	if c.cfg.Link == nil {
		fmt.Fprintln(c.out, "Link not available")
		return
	}
	c.cfg.Link.Dump(c.out)
	if c.cfg.Buffer != nil {
		fmt.Fprintf(c.out, "buffer:      %d/%d\n", c.cfg.Buffer.Len(), c.cfg.Buffer.Capacity())
	}
	if c.cfg.Watchdog != nil {
		fmt.Fprintf(c.out, "watchdog:    %s", c.cfg.Watchdog.State())
		if c.cfg.Watchdog.State() == watchdog.StateArmed {
			fmt.Fprintf(c.out, " (%s left)", c.cfg.Watchdog.Remaining().Truncate(time.Second))
		}
		fmt.Fprintln(c.out)
	}
}

func (c *Console) cmdBuffer() {
	if c.cfg.Buffer == nil {
		fmt.Fprintln(c.out, "Buffer not available")
		return
	}
	if c.cfg.Buffer.Len() == 0 {
		fmt.Fprintln(c.out, "Buffer empty")
		return
	}
	c.cfg.Buffer.Dump(c.out)
}

func (c *Console) cmdEnqueue(args []string) {
	if c.cfg.Buffer == nil {
		fmt.Fprintln(c.out, "Buffer not available")
		return
	}
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: enqueue <source> <text>")
		fmt.Fprintln(c.out, "  Example: enqueue 8877665544332211 status ok")
		return
	}
	source, err := strconv.ParseUint(args[0], 16, 64)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid source id: %v\n", err)
		return
	}
	if !c.cfg.Buffer.Enqueue(source, []byte(strings.Join(args[1:], " "))) {
		fmt.Fprintln(c.out, "Buffer full or message too long")
		return
	}
	fmt.Fprintln(c.out, "OK")
}

func (c *Console) cmdSend(args []string) {
	if c.cfg.Link == nil {
		fmt.Fprintln(c.out, "Link not available")
		return
	}
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: send <subtopic|-> <text>")
		fmt.Fprintln(c.out, "  Example: send - hello")
		return
	}
	sub := args[0]
	if sub == "-" {
		sub = ""
	} else if !strings.HasPrefix(sub, "/") {
		sub = "/" + sub
	}
	if !c.cfg.Link.Submit(connection.Outgoing{Subtopic: sub, Text: strings.Join(args[1:], " ")}) {
		fmt.Fprintln(c.out, "A message is already waiting")
		return
	}
	fmt.Fprintln(c.out, "Queued")
}

func (c *Console) cmdCreds() {
	if c.cfg.Credentials == nil {
		fmt.Fprintln(c.out, "Credentials not available")
		return
	}
	creds, ok := c.cfg.Credentials.Credentials()
	if !ok {
		fmt.Fprintf(c.out, "No credentials (last key source: %s)\n", c.cfg.Credentials.LastSource())
		return
	}
	fmt.Fprintf(c.out, "version:     %s\n", creds.Version)
	fmt.Fprintf(c.out, "account:     %s\n", creds.AccountID)
	fmt.Fprintf(c.out, "client id:   %s\n", creds.ClientID)
	fmt.Fprintf(c.out, "username:    %s\n", creds.Username)
	fmt.Fprintf(c.out, "host:        %s\n", creds.Host)
	fmt.Fprintf(c.out, "base topic:  %s\n", creds.BaseTopic)
	fmt.Fprintf(c.out, "key source:  %s\n", c.cfg.Credentials.LastSource())
	fmt.Fprintf(c.out, "hash:        %08x\n", creds.CombinedHash)
}

func (c *Console) cmdHash() {
	if c.cfg.Credentials == nil {
		fmt.Fprintln(c.out, "Credentials not available")
		return
	}
	fmt.Fprintf(c.out, "%08x\n", c.cfg.Credentials.CurrentHash())
}

func (c *Console) cmdPurge() {
	if c.cfg.Credentials == nil {
		fmt.Fprintln(c.out, "Credentials not available")
		return
	}
	if err := c.cfg.Credentials.Purge(); err != nil {
		fmt.Fprintf(c.out, "Purge failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "Purged")
}

func (c *Console) cmdPost(args []string) {
	if c.cfg.Worker == nil || c.cfg.NewRequest == nil {
		fmt.Fprintln(c.out, "Transport not available")
		return
	}
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: post <resource> [body]")
		fmt.Fprintln(c.out, "  Example: post /api/ping serial_number=H010-0123456")
		return
	}
	req := c.cfg.NewRequest(args[0], strings.Join(args[1:], " "))
	out := c.out
	queued := c.cfg.Worker.Submit(req, func(resp *transport.Response, err error) {
		if resp == nil {
			fmt.Fprintf(out, "post %s: %s (%v)\n", req.Resource, transport.Outcome(err), err)
			return
		}
		fmt.Fprintf(out, "post %s: %s status=%d body=%q\n", req.Resource, transport.Outcome(err), resp.StatusCode, resp.Body)
	})
	if !queued {
		fmt.Fprintln(c.out, "A request is already waiting")
		return
	}
	fmt.Fprintln(c.out, "Queued")
}
