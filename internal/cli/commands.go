// Package cli implements the interactive server console: client roster,
// transport statistics, chat and kick commands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/ridenet-project/ridenet/internal/db"
	"github.com/ridenet-project/ridenet/internal/events"
	"github.com/ridenet-project/ridenet/internal/server"
)

// CLI provides an interactive command-line interface over one server.
type CLI struct {
	bus    *events.Bus
	srv    *server.Server
	levels *db.LevelsDB
}

// NewCLI creates a new CLI handler. levels may be nil, in which case the
// roster table shows raw level ids.
func NewCLI(bus *events.Bus, srv *server.Server, levels *db.LevelsDB) *CLI {
	return &CLI{
		bus:    bus,
		srv:    srv,
		levels: levels,
	}
}

// Start begins the interactive CLI loop. It returns when the context
// is cancelled or stdin closes.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nridenet console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("ridenet> ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "clients", "c":
		c.printClients()
	case "stats":
		c.printStats()
	case "say":
		return c.cmdSay(args)
	case "level":
		return c.cmdLevel(args)
	case "kick":
		return c.cmdKick(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down ridenet server...")
		c.bus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Println()
	fmt.Println("  clients           Show connected clients")
	fmt.Println("  stats             Show transport statistics")
	fmt.Println("  say <message>     Broadcast a chat message to all clients")
	fmt.Println("  level <id> <name> Register a level display name")
	fmt.Println("  kick <id> [why]   Disconnect a client")
	fmt.Println("  quit              Shut the server down")
	fmt.Println("  help              Show this help message")
	fmt.Println()
}

// printClients displays the roster in a formatted table.
func (c *CLI) printClients() {
	clients := c.srv.Clients()
	if len(clients) == 0 {
		fmt.Println("No clients connected")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Addr", "Level", "Mode", "UDP"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, cl := range clients {
		name := cl.Name
		if name == "" {
			name = "(unnamed)"
		}
		level := cl.Level
		if level == "" {
			level = "-"
		} else if c.levels != nil {
			if name, err := c.levels.DisplayName(level); err == nil {
				level = name
			}
		}
		udp := "no"
		if cl.UDPBound {
			udp = "yes"
		}

		tw.Append([]string{
			strconv.Itoa(cl.ID),
			name,
			cl.Addr,
			level,
			cl.Mode,
			udp,
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *CLI) printStats() {
	st := c.srv.Stats()

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Transport", "Pkts Sent", "Bytes Sent", "Pkts Recv", "Bytes Recv"})
	tw.SetBorder(true)

	tw.Append([]string{"TCP",
		strconv.FormatUint(st.TCPPacketsSent, 10),
		strconv.FormatUint(st.TCPBytesSent, 10),
		strconv.FormatUint(st.TCPPacketsRecv, 10),
		strconv.FormatUint(st.TCPBytesRecv, 10),
	})
	tw.Append([]string{"UDP",
		strconv.FormatUint(st.UDPPacketsSent, 10),
		strconv.FormatUint(st.UDPBytesSent, 10),
		strconv.FormatUint(st.UDPPacketsRecv, 10),
		strconv.FormatUint(st.UDPBytesRecv, 10),
	})

	tw.Render()
	fmt.Printf("Biggest frame sent: %d bytes, received: %d bytes\n\n", st.BiggestSent, st.BiggestRecv)
}

func (c *CLI) cmdSay(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: say <message>")
	}
	msg := strings.Join(args, " ")
	c.srv.Say(msg)
	fmt.Printf("Sent: %s\n", msg)
	return nil
}

func (c *CLI) cmdLevel(args []string) error {
	if c.levels == nil {
		return fmt.Errorf("levels database not available")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: level <id> <display name>")
	}
	id := args[0]
	name := strings.Join(args[1:], " ")
	if err := c.levels.Put(id, name); err != nil {
		return err
	}
	fmt.Printf("Level %s -> %s\n", id, name)
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <id> [reason]")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid client id: %s", args[0])
	}
	reason := strings.Join(args[1:], " ")

	if err := c.srv.Kick(id, reason); err != nil {
		return err
	}
	fmt.Printf("Kicked client %d\n", id)
	return nil
}
