package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newAuthCmd(v *viper.Viper) *cobra.Command {
	var data []string
	cmd := &cobra.Command{
		Use:   "auth [session-id]",
		Short: "Sign a new session and print its token",
		Long: `Sign a new session. Without a session id the server generates one.
The token is printed alone on stdout so it can be captured:

  export MAGX_TOKEN=$(magxctl auth alice --data nick=al)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parsePairs(data)
			if err != nil {
				return failure(cmd.ErrOrStderr(), "invalid --data", err)
			}
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(keyTimeout))
			defer cancel()
			token, sess, err := client(v).Sign(ctx, id, d)
			if err != nil {
				return failure(cmd.ErrOrStderr(), "signing session failed", err)
			}
			success(cmd.ErrOrStderr(), "signed session %s", sess.ID)
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&data, "data", nil, "session data as key=value (repeatable)")
	return cmd
}

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [token]",
		Short: "Show the session a token belongs to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := v.GetString(keyToken)
			if len(args) == 1 {
				token = args[0]
			}
			if token == "" {
				return failure(cmd.ErrOrStderr(), "nothing to verify", fmt.Errorf("pass a token or set MAGX_TOKEN"))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(keyTimeout))
			defer cancel()
			sess, err := client(v).Verify(ctx, token)
			if err != nil {
				return failure(cmd.ErrOrStderr(), "token rejected", err)
			}
			cyan.Fprintf(cmd.OutOrStdout(), "%s\n", sess.ID)
			for k, val := range sess.Data {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", k, val)
			}
			return nil
		},
	}
}
