package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/magx-io/magx/internal/transport/websocket"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var reconnect, drop bool
	cmd := &cobra.Command{
		Use:   "watch <room-id>",
		Short: "Attach to a reserved seat and stream room traffic",
		Long: `Attach to a seat reserved with "rooms create" or "rooms join" and print
every frame the room sends. Lines read from stdin are sent as room messages:

  <type> [json]      e.g.  chat "hello"

Interrupting leaves the room; with --drop the socket is cut instead, which the
room treats as a disconnect it may wait for.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(v); err != nil {
				return failure(cmd.ErrOrStderr(), "not signed in", err)
			}
			u, err := websocket.RoomURL(v.GetString(keyServer), v.GetString(keyPrefix), args[0], v.GetString(keyToken))
			if err != nil {
				return failure(cmd.ErrOrStderr(), "invalid server address", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, err := websocket.Dial(ctx, u)
			if err != nil {
				return failure(cmd.ErrOrStderr(), "attach failed", err)
			}
			if err := conn.Handshake(reconnect, v.GetDuration(keyTimeout)); err != nil {
				_ = conn.Close()
				return failure(cmd.ErrOrStderr(), "attach failed", err)
			}
			success(cmd.ErrOrStderr(), "attached to %s", args[0])

			go sendLines(cmd.InOrStdin(), conn, cmd.ErrOrStderr())

			frames := make(chan error, 1)
			go func() { frames <- printFrames(conn, cmd.OutOrStdout()) }()

			select {
			case <-ctx.Done():
				if drop {
					_ = conn.Close()
					warning(cmd.ErrOrStderr(), "dropped connection")
					return nil
				}
				_ = conn.Leave()
				success(cmd.ErrOrStderr(), "left %s", args[0])
				return nil
			case err := <-frames:
				_ = conn.Close()
				if err != nil {
					return failure(cmd.ErrOrStderr(), "connection closed", err)
				}
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "resume a seat after a dropped connection")
	cmd.Flags().BoolVar(&drop, "drop", false, "on interrupt, cut the socket instead of leaving")
	return cmd
}

// printFrames writes frames until the server terminates the connection. An
// error frame followed by a close is reported as the returned error.
func printFrames(conn *websocket.ClientConn, w io.Writer) error {
	var last error
	for {
		f, err := conn.Read(0)
		if err != nil {
			if last != nil {
				return last
			}
			return nil
		}
		switch f.T {
		case websocket.EventMessage:
			cyan.Fprintf(w, "%s", f.Type)
			fmt.Fprintf(w, " %s\n", f.Data)
		case websocket.EventSnapshot:
			faint.Fprintf(w, "snapshot ")
			fmt.Fprintf(w, "%s\n", f.Data)
		case websocket.EventPatch:
			for _, p := range f.Patches {
				faint.Fprintf(w, "patch ")
				raw, _ := json.Marshal(p.Value)
				fmt.Fprintf(w, "%s %s %s\n", p.Op, p.Path, raw)
			}
		case websocket.EventError:
			last = fmt.Errorf("%d %s", f.Code, f.Message)
			red.Fprintf(w, "error")
			fmt.Fprintf(w, " %s %v\n", f.Type, last)
		}
	}
}

func sendLines(r io.Reader, conn *websocket.ClientConn, errw io.Writer) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		msgType, rest, _ := strings.Cut(line, " ")
		var data any
		if rest = strings.TrimSpace(rest); rest != "" {
			if err := json.Unmarshal([]byte(rest), &data); err != nil {
				data = rest
			}
		}
		if err := conn.Send(msgType, data); err != nil {
			warning(errw, "sending %s: %v", msgType, err)
			return
		}
	}
}
