package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/guardian/internal/config"
	"github.com/loykin/guardian/internal/proctable"
	"github.com/loykin/guardian/pkg/client"
)

// statusRow is one line of status output.
type statusRow struct {
	Name     string `json:"name" yaml:"name"`
	State    string `json:"state" yaml:"state"`
	PID      int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Managed  bool   `json:"managed" yaml:"managed"`
	Uptime   string `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	Restarts int    `json:"restarts" yaml:"restarts"`
	Command  string `json:"command" yaml:"command"`
}

// Status prints the fleet as seen by the running supervisor, or from a fresh
// process-table scan when no supervisor answers.
func (c *command) Status(ctx context.Context, path string, f StatusFlags) error {
	switch f.Output {
	case "", "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", f.Output)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	rows, err := c.remoteRows(ctx, cfg)
	if err != nil || rows == nil {
		rows, err = c.scanRows(ctx, cfg)
		if err != nil {
			return err
		}
	}
	return c.render(rows, f.Output)
}

// remoteRows returns nil, nil when the API is disabled or unreachable.
func (c *command) remoteRows(ctx context.Context, cfg *config.Config) ([]statusRow, error) {
	if !cfg.API.Enabled {
		return nil, nil
	}
	cl := c.newClient(cfg, 3*time.Second)
	if !cl.Reachable(ctx) {
		return nil, nil
	}
	sts, err := cl.Status(ctx)
	if err != nil {
		return nil, err
	}
	commands := make(map[string]string, len(cfg.Processes))
	for _, p := range cfg.Processes {
		commands[p.Name] = p.Command
	}
	rows := make([]statusRow, 0, len(sts))
	for _, st := range sts {
		rows = append(rows, fromRemote(st, commands[st.Name]))
	}
	return rows, nil
}

func fromRemote(st client.ProcessStatus, command string) statusRow {
	return statusRow{
		Name:     st.Name,
		State:    st.State,
		PID:      st.PID,
		Managed:  st.Managed,
		Uptime:   st.Uptime,
		Restarts: st.Restarts,
		Command:  command,
	}
}

// scanRows reports "online" for every definition with a live match.
func (c *command) scanRows(ctx context.Context, cfg *config.Config) ([]statusRow, error) {
	infos, err := c.scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan process table: %w", err)
	}
	snapshot := proctable.ScannerFunc(func(context.Context) ([]proctable.Info, error) { return infos, nil })
	rows := make([]statusRow, 0, len(cfg.Processes))
	for _, p := range cfg.Processes {
		row := statusRow{
			Name:    p.Name,
			State:   "stopped",
			Managed: p.Managed == nil || *p.Managed,
			Command: p.Command,
		}
		info, ok, err := proctable.FindFirst(ctx, snapshot, p.Command, p.Args)
		if err != nil {
			return nil, err
		}
		if ok {
			row.State = "online"
			row.PID = info.PID
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *command) render(rows []statusRow, format string) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		c.printf("%s\n", b)
	case "yaml":
		b, err := yaml.Marshal(rows)
		if err != nil {
			return err
		}
		c.printf("%s", b)
	default:
		tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tUPTIME\tRESTARTS\tCOMMAND")
		for _, r := range rows {
			pid := "-"
			if r.PID > 0 {
				pid = strconv.Itoa(r.PID)
			}
			uptime := r.Uptime
			if uptime == "" {
				uptime = "-"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.Name, r.State, pid, uptime, r.Restarts, r.Command)
		}
		return tw.Flush()
	}
	return nil
}
