package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"peerbeacon/config"
	"peerbeacon/models"
	"peerbeacon/ordering"
	"peerbeacon/storage"
)

// app holds what every command needs: the device config and the peer store.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	store   *storage.Store
	dbPath  string
}

func openApp(dataDir string) (*app, error) {
	var (
		cfg     *config.DeviceConfig
		cfgPath string
		err     error
	)
	if dataDir == "" {
		cfg, cfgPath, err = config.LoadOrCreate()
	} else {
		cfg, cfgPath, err = config.LoadOrCreateIn(dataDir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	a := &app{cfg: cfg, cfgPath: cfgPath, dataDir: filepath.Dir(cfgPath)}
	a.store, a.dbPath, err = storage.Open(a.dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newRootCmd() *cobra.Command {
	var dataDir string

	rootCmd := &cobra.Command{
		Use: "peerbeacon SUBCOMMAND",

		Short: "Announce this device and discover paired peers nearby",

		Long: `peerbeacon publishes a short presence announcement over mDNS or Bluetooth LE
and listens for the announcements of nearby devices. Devices saved in the local
peer store are reported with an estimated distance; unknown devices are listed
as pairing candidates.
`,

		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (defaults to $"+config.DataDirEnv+" or the per-user config dir)")

	withApp := func(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) (retErr error) {
			a, err := openApp(dataDir)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil && retErr == nil {
					retErr = errors.Wrap(err, "close database")
				}
			}()
			return fn(cmd, a, args)
		}
	}

	rootCmd.AddCommand(
		newRunCmd(withApp),
		newPeersCmd(withApp),
		newInfoCmd(withApp),
	)

	return rootCmd
}

type appRunner func(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func newInfoCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use: "info",

		Short: "Print the local device configuration",

		Args: cobra.NoArgs,

		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", a.cfg.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", a.cfg.DeviceName)
			fmt.Fprintf(out, "Transport:       %s\n", a.cfg.Transport)
			fmt.Fprintf(out, "Tx Power:        %d dBm\n", a.cfg.TxPower)
			fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", a.dataDir)
			fmt.Fprintf(out, "Database File:   %s\n", a.dbPath)
			return nil
		}),
	}
}

func newPeersCmd(withApp appRunner) *cobra.Command {
	peersCmd := &cobra.Command{
		Use: "peers",

		Short: "Manage the paired peers",
	}

	var limit int
	historyCmd := &cobra.Command{
		Use: "history PEER_ID",

		Short: "Show the recent sightings of a peer",

		Args: cobra.ExactArgs(1),

		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			sightings, err := a.store.GetRecentSightings(args[0], limit)
			if err != nil {
				return err
			}
			return printSightings(cmd.OutOrStdout(), sightings)
		}),
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sightings")

	peersCmd.AddCommand(
		&cobra.Command{
			Use: "list",

			Short: "List paired peers, tracked first",

			Args: cobra.NoArgs,

			RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
				peers, err := a.store.ListPeerModels()
				if err != nil {
					return err
				}
				return printPeers(cmd.OutOrStdout(), ordering.SortByActive(peers, false), time.Now())
			}),
		},
		&cobra.Command{
			Use: "add PEER_ID NAME",

			Short: "Pair a peer so its announcements are reported",

			Args: cobra.ExactArgs(2),

			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return errors.Wrapf(err, "parse peer ID %q", args[0])
				}
				if err := a.store.AddPeer(storage.Peer{
					PeerID:      id.String(),
					DisplayName: args[1],
					Active:      true,
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Paired %s (%s)\n", args[1], id)
				return nil
			}),
		},
		&cobra.Command{
			Use: "remove PEER_ID",

			Short: "Forget a paired peer and its sightings",

			Args: cobra.ExactArgs(1),

			RunE: withApp(func(_ *cobra.Command, a *app, args []string) error {
				return a.store.RemovePeer(args[0])
			}),
		},
		&cobra.Command{
			Use: "track PEER_ID",

			Short: "List a peer among the tracked peers",

			Args: cobra.ExactArgs(1),

			RunE: withApp(func(_ *cobra.Command, a *app, args []string) error {
				return a.store.SetPeerActive(args[0], true)
			}),
		},
		&cobra.Command{
			Use: "untrack PEER_ID",

			Short: "Move a peer below the tracked peers",

			Args: cobra.ExactArgs(1),

			RunE: withApp(func(_ *cobra.Command, a *app, args []string) error {
				return a.store.SetPeerActive(args[0], false)
			}),
		},
		&cobra.Command{
			Use: "rename PEER_ID NAME",

			Short: "Change the display name of a paired peer",

			Args: cobra.ExactArgs(2),

			RunE: withApp(func(_ *cobra.Command, a *app, args []string) error {
				return a.store.SetPeerDisplayName(args[0], args[1])
			}),
		},
		historyCmd,
	)

	return peersCmd
}

func printPeers(w io.Writer, peers []models.Peer, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tTRACKED\tNEARBY\tDISTANCE\tRSSI\tLAST SEEN")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name(),
			p.ID,
			yesNo(p.Active),
			yesNo(p.Emitting),
			formatDistance(p.Distance),
			formatRSSI(p.RSSI),
			formatLastSeen(p.LastSeen, now),
		)
	}
	return errors.WithStack(tw.Flush())
}

func printSightings(w io.Writer, sightings []storage.Sighting) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEEN AT\tDEVICE\tRSSI\tTX POWER\tDISTANCE")
	for _, s := range sightings {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			time.UnixMilli(s.SeenAt).Format(time.DateTime),
			s.DeviceName,
			s.RSSI,
			s.TxPower,
			formatDistance(s.Distance),
		)
	}
	return errors.WithStack(tw.Flush())
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func formatDistance(d float64) string {
	if d < 0 {
		return "-"
	}
	return strconv.FormatFloat(d, 'f', 1, 64) + " m"
}

func formatRSSI(rssi int) string {
	if rssi == 0 {
		return "-"
	}
	return strconv.Itoa(rssi) + " dBm"
}

func formatLastSeen(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
