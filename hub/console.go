package hub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/fleetfabric/internal/deferred"
	"github.com/relaymesh/fleetfabric/internal/metrics"
)

// Console is the interactive operator surface: a line-oriented command
// grammar bound to stdin by default, or to a loopback TCP listener when
// cfg.ConsoleAddr is set.
type Console struct {
	h *Hub
}

// NewConsole builds a console bound to h.
func NewConsole(h *Hub) *Console {
	return &Console{h: h}
}

// Run drives the command loop against in/out until EXIT, io.EOF, or an
// unrecoverable read error. It returns nil on a clean EXIT.
func (c *Console) Run(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprintln(out, "fleetfabric operator console — type 'help' for commands")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			continue
		}
		if msg == "EXIT" {
			return nil
		}
		c.dispatch(msg, scanner, out)
	}
}

// ServeTCP accepts a single operator connection at a time on ln, running
// the console against each in turn. It blocks until ln is closed.
func (c *Console) ServeTCP(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		func() {
			defer conn.Close()
			_ = c.Run(conn, conn)
		}()
	}
}

func (c *Console) dispatch(msg string, scanner *bufio.Scanner, out io.Writer) {
	h := c.h
	switch {
	case msg == "status":
		c.cmdStatus(out)
	case msg == "help":
		printHelp(out)
	case msg == "list":
		c.cmdList(out)

	case strings.HasPrefix(msg, "CMD "):
		parts := strings.SplitN(msg, " ", 3)
		if len(parts) < 3 {
			fmt.Fprintln(out, "usage: CMD <agent|all> <command>")
			return
		}
		sent, err := h.DispatchCMD(parts[1], parts[2])
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		fmt.Fprintf(out, "command dispatched to %d agent(s)\n", sent)

	case strings.HasPrefix(msg, "simpl "):
		target := strings.TrimSpace(strings.TrimPrefix(msg, "simpl "))
		sent, err := h.DispatchSIMPL(target)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		fmt.Fprintf(out, "script dispatched to %d agent(s)\n", sent)

	case strings.HasPrefix(msg, "export "):
		parts := strings.SplitN(msg, " ", 4)
		if len(parts) < 3 {
			fmt.Fprintln(out, "usage: export <agent> <path_on_agent> [dest_dir]")
			return
		}
		dest := "received"
		if len(parts) > 3 {
			dest = parts[3]
		}
		if err := h.DispatchEXPORT(parts[1], parts[2], dest); err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		fmt.Fprintln(out, "export request sent")

	case strings.HasPrefix(msg, "import "):
		parts := strings.SplitN(msg, " ", 4)
		if len(parts) < 3 {
			fmt.Fprintln(out, "usage: import <agent|all> <path_on_hub> [dest_dir]")
			return
		}
		dest := "received"
		if len(parts) > 3 {
			dest = parts[3]
		}
		sent, err := h.DispatchIMPORT(parts[1], parts[2], dest)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		fmt.Fprintf(out, "files sent to %d agent(s)\n", sent)

	case strings.HasPrefix(msg, "save "):
		parts := strings.SplitN(msg, " ", 3)
		if len(parts) < 3 {
			fmt.Fprintln(out, "usage: save <agent> <filename>")
			return
		}
		path, err := h.Save(parts[1], parts[2])
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		fmt.Fprintln(out, "saved to", path)

	case strings.HasPrefix(msg, "cancel "):
		target := strings.TrimSpace(strings.TrimPrefix(msg, "cancel "))
		if err := h.Cancel(target); err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		fmt.Fprintln(out, "command canceled")

	case strings.HasPrefix(msg, "kick "):
		target := strings.TrimSpace(strings.TrimPrefix(msg, "kick "))
		n := h.Kick(target, "disconnected by operator")
		fmt.Fprintf(out, "kicked %d agent(s)\n", n)

	case strings.HasPrefix(msg, "group_new "):
		c.cmdGroupNew(strings.TrimSpace(strings.TrimPrefix(msg, "group_new ")), scanner, out)
	case msg == "group_list":
		c.cmdGroupList(out)
	case strings.HasPrefix(msg, "group_del "):
		name := strings.TrimSpace(strings.TrimPrefix(msg, "group_del "))
		if err := h.Groups.Delete(name); err != nil {
			fmt.Fprintln(out, "error:", err)
			return
		}
		fmt.Fprintf(out, "group %q deleted\n", name)

	case msg == "chart_new":
		c.cmdChartNew(scanner, out)
	case msg == "chart_list":
		c.cmdChartList(out)
	case msg == "chart_comd":
		c.cmdChartCompleted(out)
	case strings.HasPrefix(msg, "chart_del "):
		c.cmdChartDel(strings.TrimSpace(strings.TrimPrefix(msg, "chart_del ")), out)

	default:
		h.Broadcast(msg)
		fmt.Fprintln(out, "broadcast to every connected agent")
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, strings.Repeat("=", 78))
	fmt.Fprintln(out, "AVAILABLE COMMANDS:")
	fmt.Fprintln(out, "  CMD <agent|all> <command>                 - run a shell command")
	fmt.Fprintln(out, "  export <agent> <path> [dest_dir]           - pull files from an agent")
	fmt.Fprintln(out, "  import <agent|all> <path> [dest_dir]       - push files to agent(s)")
	fmt.Fprintln(out, "  save <agent> <name>                        - save last output to a file")
	fmt.Fprintln(out, "  simpl <agent|all>                          - run the scripted commands file")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  chart_new                                  - queue a deferred command")
	fmt.Fprintln(out, "  chart_list                                 - list active deferred commands")
	fmt.Fprintln(out, "  chart_comd                                 - list completed deferred commands")
	fmt.Fprintln(out, "  chart_del <i>                              - remove a queued deferred command")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  group_new <name>                           - create a group interactively")
	fmt.Fprintln(out, "  group_list                                 - list groups")
	fmt.Fprintln(out, "  group_del <name>                           - delete a group")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  list                                       - list every registered user")
	fmt.Fprintln(out, "  status                                     - list in-flight commands")
	fmt.Fprintln(out, "  cancel <agent>                             - cancel an in-flight command")
	fmt.Fprintln(out, "  kick <agent|all>                           - disconnect agent(s)")
	fmt.Fprintln(out, "  EXIT                                       - close this console session")
	fmt.Fprintln(out, "  <anything else>                            - broadcast the line to every agent")
	fmt.Fprintln(out, strings.Repeat("=", 78))
}

func (c *Console) cmdStatus(out io.Writer) {
	ids := c.h.ConnectedIDs()
	any := false
	fmt.Fprintln(out, strings.Repeat("=", 78))
	if stats, err := metrics.SampleHost(); err == nil {
		fmt.Fprintf(out, "hub process: %.1f%% cpu, %.1f MiB rss\n", stats.CPUPercent, float64(stats.RSSBytes)/(1024*1024))
	}
	for _, id := range ids {
		rec, ok := c.h.Monitor.Get(id)
		if !ok {
			continue
		}
		any = true
		elapsed := time.Since(rec.Start)
		fmt.Fprintf(out, "%s: %s (%.1fs) - %s\n", c.h.Directory.Alias(id), rec.Kind, elapsed.Seconds(), rec.Command)
	}
	if !any {
		fmt.Fprintln(out, "no commands in flight")
	}
	fmt.Fprintln(out, strings.Repeat("=", 78))
}

func (c *Console) cmdList(out io.Writer) {
	users := c.h.Directory.All()
	if len(users) == 0 {
		fmt.Fprintln(out, "no registered users")
		return
	}
	online := 0
	fmt.Fprintln(out, strings.Repeat("=", 78))
	fmt.Fprintf(out, "%-4s %-20s %-20s %-8s %-20s\n", "#", "ID", "ALIAS", "STATUS", "TIME")
	for i, u := range users {
		t := u.LastLogout
		if u.Status == "ON" {
			t = u.LastLogin
			online++
		}
		fmt.Fprintf(out, "%-4d %-20s %-20s %-8s %-20s\n", i+1, u.ID, u.Alias, u.Status, t)
	}
	fmt.Fprintln(out, strings.Repeat("=", 78))
	fmt.Fprintf(out, "total: %d | online: %d\n", len(users), online)
}

func (c *Console) cmdGroupNew(name string, scanner *bufio.Scanner, out io.Writer) {
	if name == "" {
		fmt.Fprintln(out, "usage: group_new <name>")
		return
	}
	if members := c.h.Groups.Members(name); members != nil {
		fmt.Fprintf(out, "group %q already exists\n", name)
		return
	}
	fmt.Fprintf(out, "enter member ids one per line, EXIT to finish\n")
	var members []string
	for {
		fmt.Fprint(out, "  > ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "EXIT" {
			break
		}
		if line != "" {
			members = append(members, line)
		}
	}
	if len(members) == 0 {
		fmt.Fprintln(out, "group not created: no members")
		return
	}
	if err := c.h.Groups.Create(name, members); err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintf(out, "group %q created with %d member(s)\n", name, len(members))
}

func (c *Console) cmdGroupList(out io.Writer) {
	names := c.h.Groups.List()
	if len(names) == 0 {
		fmt.Fprintln(out, "no groups")
		return
	}
	for _, name := range names {
		members := c.h.Groups.Members(name)
		fmt.Fprintf(out, "%s (%d members)\n", name, len(members))
		for _, m := range members {
			fmt.Fprintln(out, "  -", m)
		}
	}
}

func (c *Console) cmdChartNew(scanner *bufio.Scanner, out io.Writer) {
	prompt := func(p string) (string, bool) {
		fmt.Fprint(out, p)
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimSpace(scanner.Text()), true
	}

	target, ok := prompt("target (all/agent/group:name): ")
	if !ok || target == "" {
		fmt.Fprintln(out, "target cannot be empty")
		return
	}
	if strings.HasPrefix(target, "group:") {
		name := target[len("group:"):]
		if c.h.Groups.Members(name) == nil {
			fmt.Fprintf(out, "group %q does not exist\n", name)
			return
		}
	}

	kindStr, ok := prompt("kind (CMD/SIMPL/IMPORT/EXPORT): ")
	if !ok {
		return
	}
	var kind deferred.Kind
	switch strings.ToUpper(kindStr) {
	case "CMD":
		kind = deferred.KindCMD
	case "SIMPL":
		kind = deferred.KindSIMPL
	case "IMPORT":
		kind = deferred.KindIMPORT
	case "EXPORT":
		kind = deferred.KindEXPORT
	default:
		fmt.Fprintln(out, "invalid kind")
		return
	}

	var command, source, dest string
	switch kind {
	case deferred.KindCMD:
		v, ok := prompt("command: ")
		if !ok || v == "" {
			fmt.Fprintln(out, "command cannot be empty")
			return
		}
		command = v
	case deferred.KindIMPORT:
		s, ok1 := prompt("path on hub: ")
		d, ok2 := prompt("path on agent: ")
		if !ok1 || !ok2 || s == "" || d == "" {
			fmt.Fprintln(out, "both paths are required")
			return
		}
		source, dest = s, d
	case deferred.KindEXPORT:
		s, ok1 := prompt("path on agent: ")
		if !ok1 || s == "" {
			fmt.Fprintln(out, "path on agent is required")
			return
		}
		d, _ := prompt("path on hub [received]: ")
		if d == "" {
			d = "received"
		}
		source, dest = s, d
	}

	rec, err := c.h.DeferCMD(target, kind, command, source, dest)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintf(out, "queued for %q, awaiting %d agent(s)\n", target, len(rec.ExpectedUsers))
}

func (c *Console) cmdChartList(out io.Writer) {
	active := c.h.Deferred.Active()
	if len(active) == 0 {
		fmt.Fprintln(out, "no active deferred commands")
		return
	}
	for i, rec := range active {
		switch rec.Kind {
		case deferred.KindCMD:
			fmt.Fprintf(out, "[%d] %s -> CMD: %s\n", i, rec.Target, rec.Command)
		case deferred.KindSIMPL:
			fmt.Fprintf(out, "[%d] %s -> SIMPL\n", i, rec.Target)
		default:
			fmt.Fprintf(out, "[%d] %s -> %s: %s -> %s\n", i, rec.Target, rec.Kind, rec.SourcePath, rec.DestPath)
		}
		if n := len(rec.CompletedUsers); n > 0 {
			fmt.Fprintf(out, "    completed: %d\n", n)
		}
		if n := len(rec.ExpectedUsers); n > 0 {
			fmt.Fprintf(out, "    pending: %d\n", n)
		}
	}
}

func (c *Console) cmdChartDel(arg string, out io.Writer) {
	i, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Fprintln(out, "usage: chart_del <index from chart_list>")
		return
	}
	if err := c.h.Deferred.RemoveActive(i); err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	fmt.Fprintf(out, "deferred command [%d] removed\n", i)
}

func (c *Console) cmdChartCompleted(out io.Writer) {
	done := c.h.Deferred.Completed()
	if len(done) == 0 {
		fmt.Fprintln(out, "no completed deferred commands")
		return
	}
	for _, rec := range done {
		fmt.Fprintf(out, "%s -> %s (completed %s)\n", rec.Target, rec.Kind, rec.CompletedAt)
	}
}
