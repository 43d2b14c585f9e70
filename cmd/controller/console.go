package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/avaropoint/netctl/internal/controller"
	"github.com/avaropoint/netctl/internal/directory"
	"github.com/avaropoint/netctl/internal/protocol"
	"github.com/avaropoint/netctl/internal/session"
	"github.com/avaropoint/netctl/internal/stream"
)

const (
	defaultViewFrames = 5
	viewFrameTimeout  = 5 * time.Second
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  add <host:port> | add <host> <port>   add an agent
  remove <host:port>                    remove an agent
  list                                  show agents and their state
  exec <host:port> <command> [k=v ...]  run a command ({...} JSON also accepted)
  view <host:port> [frames] [dir]       save stream frames as JPEG files
  click <host:port> <x> <y> [right]     click on the agent's screen
  type <host:port> <text>               type text on the agent's screen
  share <user> <password>               add servers shared via the directory
  quit                                  exit`

// Console is the line-oriented operator interface.
type Console struct {
	m         *controller.Manager
	out       io.Writer
	directory string
	dialOpts  session.DialOptions
}

// Run reads commands from in until EOF, quit or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprintln(c.out, `Type "help" for commands.`)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one console line.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "add":
		return c.add(args)
	case "remove", "rm":
		if len(args) != 1 {
			return errors.New("usage: remove <host:port>")
		}
		return c.m.Remove(args[0])
	case "list", "ls":
		c.list()
		return nil
	case "exec":
		return c.exec(ctx, line, args)
	case "view":
		return c.view(ctx, args)
	case "click":
		return c.click(ctx, args)
	case "type":
		return c.typeText(ctx, line, args)
	case "share":
		return c.share(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func (c *Console) add(args []string) error {
	var (
		addr string
		err  error
	)
	switch len(args) {
	case 1:
		addr, err = c.m.AddAddress(args[0])
	case 2:
		port, perr := strconv.Atoi(args[1])
		if perr != nil {
			return fmt.Errorf("%w: port %q", controller.ErrInvalidAddress, args[1])
		}
		addr, err = c.m.Add(args[0], port)
	default:
		return errors.New("usage: add <host:port> | add <host> <port>")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Added %s\n", addr)
	return nil
}

func (c *Console) list() {
	peers := c.m.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No agents")
		return
	}
	for _, p := range peers {
		line := fmt.Sprintf("%-24s %-12s", p.Address, p.State)
		if !p.LastSeen.IsZero() {
			line += " seen " + p.LastSeen.Format(time.TimeOnly)
		}
		if p.RetryPending {
			line += " retry in " + p.RetryDelay
		}
		if p.LastError != "" {
			line += " (" + p.LastError + ")"
		}
		fmt.Fprintln(c.out, line)
	}
}

// parseParams accepts either a JSON object or key=value pairs.
func parseParams(rest string, pairs []string) (protocol.Params, error) {
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "{") {
		var p protocol.Params
		if err := json.Unmarshal([]byte(rest), &p); err != nil {
			return nil, fmt.Errorf("invalid JSON parameters: %w", err)
		}
		return p, nil
	}
	p := protocol.Params{}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", kv)
		}
		p[k] = v
	}
	return p, nil
}

func (c *Console) exec(ctx context.Context, line string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: exec <host:port> <command> [k=v ...]")
	}
	addr, name := args[0], args[1]

	// Everything after the command name, kept verbatim for JSON.
	rest := line[strings.Index(line, addr)+len(addr):]
	rest = rest[strings.Index(rest, name)+len(name):]
	params, err := parseParams(rest, args[2:])
	if err != nil {
		return err
	}

	resp, err := c.m.SendCommand(ctx, addr, name, params)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if resp.Message != "" {
		fmt.Fprintln(c.out, resp.Message)
	}
	if len(resp.Data) > 0 {
		var pretty any
		if json.Unmarshal(resp.Data, &pretty) == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(c.out, string(out))
		}
	}
	return nil
}

// view starts the agent's stream server, saves a few frames and stops it.
func (c *Console) view(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("usage: view <host:port> [frames] [dir]")
	}
	addr := args[0]
	frames := defaultViewFrames
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid frame count %q", args[1])
		}
		frames = n
	}
	dir := "."
	if len(args) > 2 {
		dir = args[2]
	}

	return c.withStream(ctx, addr, func(v *stream.Viewer) error {
		paths, err := saveFrames(v, frames, dir)
		for _, p := range paths {
			fmt.Fprintf(c.out, "Saved %s\n", p)
		}
		return err
	})
}

func (c *Console) click(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return errors.New("usage: click <host:port> <x> <y> [right]")
	}
	x, errX := strconv.ParseUint(args[1], 10, 16)
	y, errY := strconv.ParseUint(args[2], 10, 16)
	if errX != nil || errY != nil {
		return fmt.Errorf("invalid position %s,%s", args[1], args[2])
	}
	button := stream.ButtonLeft
	if len(args) == 4 {
		if !strings.EqualFold(args[3], "right") {
			return fmt.Errorf("unknown button %q", args[3])
		}
		button = stream.ButtonRight
	}

	return c.withStream(ctx, args[0], func(v *stream.Viewer) error {
		if err := v.Click(uint16(x), uint16(y), button); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Clicked %d,%d\n", x, y)
		return settle(v)
	})
}

func (c *Console) typeText(ctx context.Context, line string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: type <host:port> <text>")
	}
	addr := args[0]
	// The text is the rest of the line, spaces included.
	rest := line[strings.Index(line, addr)+len(addr):]
	text := strings.TrimSpace(rest)

	return c.withStream(ctx, addr, func(v *stream.Viewer) error {
		if err := v.Type(nil, text); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Typed %d characters\n", len([]rune(text)))
		return settle(v)
	})
}

// withStream starts the agent's stream server, connects a viewer and runs
// fn. The stream is stopped afterwards.
func (c *Console) withStream(ctx context.Context, addr string, fn func(*stream.Viewer) error) error {
	resp, err := c.m.SendCommand(ctx, addr, protocol.CmdStartStream, nil)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	var info struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}
	if err := resp.Decode(&info); err != nil {
		return fmt.Errorf("decode stream info: %w", err)
	}
	defer func() {
		if _, err := c.m.SendCommand(context.Background(), addr, protocol.CmdStopStream, nil); err != nil {
			fmt.Fprintf(c.out, "Stop stream: %v\n", err)
		}
	}()

	// The agent advertises its own view of its address; the host we
	// already reach it on is more reliable across NAT.
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = info.IP
	}
	streamAddr := net.JoinHostPort(host, strconv.Itoa(info.Port))

	v, err := stream.DialViewer(ctx, streamAddr, protocol.PlatformTag(runtime.GOOS))
	if err != nil {
		return fmt.Errorf("connect stream %s: %w", streamAddr, err)
	}
	defer v.Close()

	return fn(v)
}

// settle waits for two image frames so the agent has read the input
// events before the stream is stopped.
func settle(v *stream.Viewer) error {
	for seen := 0; seen < 2; {
		f, err := v.Next(viewFrameTimeout)
		if err != nil {
			return err
		}
		if f.Kind == protocol.FrameImage {
			seen++
		}
	}
	return nil
}

// saveFrames writes the next n image frames from v to dir.
func saveFrames(v *stream.Viewer, n int, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var paths []string
	for len(paths) < n {
		f, err := v.Next(viewFrameTimeout)
		if err != nil {
			return paths, err
		}
		if f.Kind != protocol.FrameImage {
			continue
		}
		p := filepath.Join(dir, fmt.Sprintf("frame-%03d.jpg", len(paths)+1))
		if err := os.WriteFile(p, f.Image, 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// share logs in to the directory and adds every visible server as a peer.
func (c *Console) share(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: share <user> <password>")
	}
	if c.directory == "" {
		return errors.New("no directory configured")
	}

	dc, err := directory.Dial(ctx, c.directory, c.dialOpts)
	if err != nil {
		return err
	}
	defer dc.Close()

	if _, err := dc.Login(args[0], args[1]); err != nil {
		return err
	}
	servers, err := dc.Shared()
	if err != nil {
		return err
	}

	added := 0
	for _, s := range servers {
		addr, err := c.m.AddAddress(s.Address)
		if err != nil {
			if !errors.Is(err, controller.ErrPeerExists) {
				fmt.Fprintf(c.out, "Skip %s (%s): %v\n", s.Name, s.Address, err)
			}
			continue
		}
		fmt.Fprintf(c.out, "Added %s (%s, owner %s)\n", addr, s.Name, s.Owner)
		added++
	}
	fmt.Fprintf(c.out, "%d of %d shared servers added\n", added, len(servers))
	return nil
}
