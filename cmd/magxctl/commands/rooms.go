package commands

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/magx-io/magx/internal/api"
	"github.com/magx-io/magx/internal/room"
)

func newRoomsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List, create, join and manage rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newRoomsListCmd(v),
		roomCmd(v, "get <room-id>", "Show one room", func(ctx context.Context, c *api.Client, cmd *cobra.Command, id string) error {
			rec, err := c.GetRoom(ctx, id)
			if err == nil {
				printRoom(cmd.OutOrStdout(), rec)
			}
			return err
		}),
		newRoomsCreateCmd(v),
		newRoomsJoinCmd(v),
		roomCmd(v, "leave <room-id>", "Give up your seat in a room", func(ctx context.Context, c *api.Client, cmd *cobra.Command, id string) error {
			if err := c.LeaveRoom(ctx, id); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "left %s", id)
			return nil
		}),
		roomCmd(v, "close <room-id>", "Close a room you host", func(ctx context.Context, c *api.Client, cmd *cobra.Command, id string) error {
			if err := c.CloseRoom(ctx, id); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "closed %s", id)
			return nil
		}),
		lockCmd(v, "lock", true),
		lockCmd(v, "unlock", false),
		newRoomsSetCmd(v),
	)
	return cmd
}

type roomFunc func(ctx context.Context, c *api.Client, cmd *cobra.Command, roomID string) error

// roomCmd builds an authenticated command taking one room id.
func roomCmd(v *viper.Viper, use, short string, fn roomFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(v); err != nil {
				return failure(cmd.ErrOrStderr(), "not signed in", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(keyTimeout))
			defer cancel()
			if err := fn(ctx, client(v), cmd, args[0]); err != nil {
				return failure(cmd.ErrOrStderr(), cmd.Name()+" failed", err)
			}
			return nil
		},
	}
}

func newRoomsListCmd(v *viper.Viper) *cobra.Command {
	var names []string
	cmd := roomCmd(v, "list", "List rooms across the cluster", nil)
	cmd.Args = cobra.NoArgs
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := requireToken(v); err != nil {
			return failure(cmd.ErrOrStderr(), "not signed in", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(keyTimeout))
		defer cancel()
		recs, err := client(v).ListRooms(ctx, names...)
		if err != nil {
			return failure(cmd.ErrOrStderr(), "listing rooms failed", err)
		}
		printRooms(cmd.OutOrStdout(), recs)
		return nil
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "only rooms of these types")
	return cmd
}

func newRoomsCreateCmd(v *viper.Viper) *cobra.Command {
	var options []string
	cmd := roomCmd(v, "create <room-type>", "Create a room and take its first seat", func(ctx context.Context, c *api.Client, cmd *cobra.Command, name string) error {
		opts, err := parsePairs(options)
		if err != nil {
			return err
		}
		rec, err := c.CreateRoom(ctx, name, opts)
		if err != nil {
			return err
		}
		success(cmd.ErrOrStderr(), "created %s room", rec.Name)
		printRoom(cmd.OutOrStdout(), rec)
		return nil
	})
	cmd.Flags().StringArrayVar(&options, "option", nil, "join option as key=value (repeatable)")
	return cmd
}

func newRoomsJoinCmd(v *viper.Viper) *cobra.Command {
	var options []string
	cmd := roomCmd(v, "join <room-id>", "Reserve a seat in a room", func(ctx context.Context, c *api.Client, cmd *cobra.Command, id string) error {
		opts, err := parsePairs(options)
		if err != nil {
			return err
		}
		rec, err := c.JoinRoom(ctx, id, opts)
		if err != nil {
			return err
		}
		success(cmd.ErrOrStderr(), "seat reserved; attach with: magxctl watch %s", rec.ID)
		printRoom(cmd.OutOrStdout(), rec)
		return nil
	})
	cmd.Flags().StringArrayVar(&options, "option", nil, "join option as key=value (repeatable)")
	return cmd
}

func lockCmd(v *viper.Viper, use string, locked bool) *cobra.Command {
	return roomCmd(v, use+" <room-id>", "Stop or resume accepting joins", func(ctx context.Context, c *api.Client, cmd *cobra.Command, id string) error {
		rec, err := c.UpdateRoom(ctx, id, room.RoomUpdate{Locked: &locked})
		if err != nil {
			return err
		}
		success(cmd.OutOrStdout(), "%s locked=%v", rec.ID, rec.Locked)
		return nil
	})
}

func newRoomsSetCmd(v *viper.Viper) *cobra.Command {
	var host string
	var data []string
	cmd := roomCmd(v, "set <room-id>", "Change a room's host or data", func(ctx context.Context, c *api.Client, cmd *cobra.Command, id string) error {
		var upd room.RoomUpdate
		if host != "" {
			upd.HostID = &host
		}
		d, err := parsePairs(data)
		if err != nil {
			return err
		}
		upd.Data = d
		if upd.HostID == nil && upd.Data == nil {
			warning(cmd.ErrOrStderr(), "nothing to change: pass --host or --data")
			return nil
		}
		rec, err := c.UpdateRoom(ctx, id, upd)
		if err != nil {
			return err
		}
		printRoom(cmd.OutOrStdout(), rec)
		return nil
	})
	cmd.Flags().StringVar(&host, "host", "", "hand the host role to this session")
	cmd.Flags().StringArrayVar(&data, "data", nil, "room data as key=value (repeatable)")
	return cmd
}
