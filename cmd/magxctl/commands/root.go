// Package commands implements the magxctl command tree.
package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/magx-io/magx/internal/api"
)

const (
	keyServer  = "server"
	keyPrefix  = "prefix"
	keyToken   = "token"
	keyTimeout = "timeout"
)

// NewRootCmd builds the magxctl command tree. Flags may also be set through
// MAGX_SERVER, MAGX_PREFIX, MAGX_TOKEN and MAGX_TIMEOUT.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MAGX")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "magxctl",
		Short: "magxctl - command-line client for a magx room server",
		Long: `magxctl signs sessions, manages rooms through the HTTP API and
attaches to rooms over the websocket transport.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}

	pf := root.PersistentFlags()
	pf.String(keyServer, "http://localhost:8000", "server base address")
	pf.String(keyPrefix, api.DefaultPrefix, "API path prefix")
	pf.String(keyToken, "", "session token (see: magxctl auth)")
	pf.Duration(keyTimeout, 5*time.Second, "request timeout")
	for _, k := range []string{keyServer, keyPrefix, keyToken, keyTimeout} {
		_ = v.BindPFlag(k, pf.Lookup(k))
	}

	root.AddCommand(newAuthCmd(v), newVerifyCmd(v), newRoomsCmd(v), newWatchCmd(v))
	return root
}

func client(v *viper.Viper) *api.Client {
	base := strings.TrimRight(v.GetString(keyServer), "/") + v.GetString(keyPrefix)
	return api.NewClient(base, nil).WithToken(v.GetString(keyToken))
}

func requireToken(v *viper.Viper) error {
	if v.GetString(keyToken) == "" {
		return fmt.Errorf("no session token: pass --token or set MAGX_TOKEN")
	}
	return nil
}

// parsePairs turns key=value arguments into a map. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parsePairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, raw, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		out[k] = val
	}
	return out, nil
}
