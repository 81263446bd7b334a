package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jianxcao/watch-docker/internal/connection"
	"github.com/jianxcao/watch-docker/internal/model"
	"github.com/jianxcao/watch-docker/internal/state"
)

// Status colors.
var (
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
	colorDimmed  = lipgloss.Color("#6b7280")
)

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.Bytes(n), " ", "")
}

// containerRow is one line of the containers table.
type containerRow struct {
	Container model.ContainerStatus
	Stats     *model.ContainerStats
}

// sortedContainers decodes a container collection sorted by name. Stats
// come from stats, falling back to stats embedded in the container.
// Entities that do not decode are skipped.
func sortedContainers(containers, stats state.Collection) []containerRow {
	rows := make([]containerRow, 0, len(containers))
	for id, e := range containers {
		c, err := model.ContainerFromEntity(e)
		if err != nil {
			continue
		}
		if c.ID == "" {
			c.ID = id
		}
		row := containerRow{Container: c, Stats: c.Stats}
		if se, ok := stats[id]; ok {
			if s, err := model.StatsFromEntity(se); err == nil {
				row.Stats = &s
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Container.Name != rows[j].Container.Name {
			return rows[i].Container.Name < rows[j].Container.Name
		}
		return rows[i].Container.ID < rows[j].Container.ID
	})
	return rows
}

// printContainers writes the containers table.
func printContainers(w io.Writer, rows []containerRow, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tIMAGE\tSTATE\tUPDATE\tCPU\tMEMORY\tCHECKED")
	for _, r := range rows {
		c := r.Container
		running := "stopped"
		if c.Running {
			running = "running"
		}
		update := c.Status
		if c.Skipped || c.SkippedUpdate {
			update = "skipped"
		}
		if update == "" {
			update = "-"
		}
		cpu, mem := "-", "-"
		if r.Stats != nil {
			cpu = fmt.Sprintf("%.1f%%", r.Stats.CPUPercent)
			mem = humanizeBytes(r.Stats.MemoryUsage)
			if r.Stats.MemoryLimit > 0 {
				mem += "/" + humanizeBytes(r.Stats.MemoryLimit)
			}
		}
		checked := "-"
		if !c.LastCheckedAt.IsZero() {
			checked = humanize.RelTime(c.LastCheckedAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Name, c.Image, running, update, cpu, mem, checked)
	}
	return tw.Flush()
}

// summary counts containers by state.
type summary struct {
	Total   int
	Running int
	Updates int
}

func summarize(rows []containerRow) summary {
	var s summary
	for _, r := range rows {
		s.Total++
		if r.Container.Running {
			s.Running++
		}
		if r.Container.HasUpdate() {
			s.Updates++
		}
	}
	return s
}

func (s summary) String() string {
	return fmt.Sprintf("%s containers, %d running, %s",
		humanize.Comma(int64(s.Total)), s.Running, pluralUpdates(s.Updates))
}

func pluralUpdates(n int) string {
	if n == 1 {
		return "1 update available"
	}
	return fmt.Sprintf("%d updates available", n)
}

// reporter prints connection transitions and container summaries for
// the watch command. Lines are written whole under a lock since the
// connection and the stores notify from different goroutines.
type reporter struct {
	mu       sync.Mutex
	out      io.Writer
	render   *lipgloss.Renderer
	now      func() time.Time
	stats    *state.Store
	lastLine string
}

func newReporter(out io.Writer, stats *state.Store) *reporter {
	return &reporter{
		out:    out,
		render: lipgloss.NewRenderer(out),
		now:    time.Now,
		stats:  stats,
	}
}

func (r *reporter) status(st connection.Status) {
	var color lipgloss.Color
	switch st.State {
	case connection.StateConnected:
		color = colorHealthy
	case connection.StateConnecting, connection.StateReconnecting:
		color = colorWarning
	case connection.StateClosed:
		color = colorDanger
	default:
		color = colorDimmed
	}

	line := r.render.NewStyle().Foreground(color).Render(st.State.String())
	switch {
	case st.State == connection.StateReconnecting:
		line += fmt.Sprintf(" (attempt %d, retry in %s)", st.Attempt, st.RetryIn)
	case st.Terminal():
		line += " (gave up reconnecting; run again to retry)"
	}
	if st.LastError != nil {
		line += r.render.NewStyle().Foreground(colorDimmed).Render(": " + st.LastError.Error())
	}
	r.println("connection " + line)
}

func (r *reporter) containers(snap state.Snapshot) {
	var stats state.Collection
	if r.stats != nil {
		stats = r.stats.Snapshot().Collection
	}
	r.println(summarize(sortedContainers(snap.Collection, stats)).String())
}

// println writes line with a timestamp. Repeats of the previous line
// are dropped.
func (r *reporter) println(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.lastLine {
		return
	}
	r.lastLine = line
	fmt.Fprintf(r.out, "%s  %s\n", r.now().Format("15:04:05"), line)
}
