package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/magx-io/magx/internal/room"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

func success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}

func warning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "! "+format+"\n", a...)
}

// failure prints err under title and returns an error for cobra, which is
// configured not to print it again.
func failure(w io.Writer, title string, err error) error {
	red.Fprintf(w, "%s\n", title)
	fmt.Fprintf(w, "  %v\n", err)
	return fmt.Errorf("%s: %w", title, err)
}

func printRooms(w io.Writer, recs []room.RoomRecord) {
	if len(recs) == 0 {
		faint.Fprintln(w, "no rooms")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROCESS\tHOST\tLOCKED\tCLIENTS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%d\n", r.ID, r.Name, r.PID, r.HostID, r.Locked, len(r.Clients))
	}
	_ = tw.Flush()
}

func printRoom(w io.Writer, r room.RoomRecord) {
	cyan.Fprintf(w, "%s", r.ID)
	fmt.Fprintf(w, " (%s on %s:%d)\n", r.Name, r.PID, r.Port)
	fmt.Fprintf(w, "  host:    %s\n", r.HostID)
	fmt.Fprintf(w, "  locked:  %v\n", r.Locked)
	fmt.Fprintf(w, "  clients: %s\n", strings.Join(r.Clients, ", "))
	if len(r.Data) > 0 {
		fmt.Fprintf(w, "  data:    %v\n", r.Data)
	}
}
