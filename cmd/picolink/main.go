// Command picolink drives a MicroPython board from the terminal through the
// mpy-wrapper helper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/picolink/picolink-core/board"
	"github.com/picolink/picolink-core/cli"
	"github.com/picolink/picolink-core/config"
	"github.com/picolink/picolink-core/logger"
	"github.com/picolink/picolink-core/project"
)

var (
	flagDevice string
	flagBaud   int
	flagHelper string
	flagDebug  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "picolink",
		Short:         "Talk to a MicroPython board over its serial helper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetDebug(flagDebug)
		},
	}

	root.PersistentFlags().StringVarP(&flagDevice, "device", "d", "", "serial device (e.g. /dev/ttyUSB0 or COM3)")
	root.PersistentFlags().IntVarP(&flagBaud, "baud", "b", 0, "baud rate (default 115200)")
	root.PersistentFlags().StringVar(&flagHelper, "helper", "", "path to the mpy-wrapper helper")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(
		scanCmd(),
		lsCmd(),
		execCmd(),
		runCmd(),
		uploadCmd(),
		downloadCmd(),
		watchCmd(),
		resetCmd(),
		rtcCmd(),
		statCmd(),
		rmCmd(),
		mkdirCmd(),
		mvCmd(),
		statusCmd(),
	)
	return root
}

// newSession builds a connected session from flags and config.
func newSession() (*board.Session, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	helperPath := flagHelper
	if helperPath == "" {
		helperPath = cfg.GetHelperPath()
	}
	if err := cli.ValidateHelper(helperPath); err != nil {
		return nil, nil, err
	}

	device := flagDevice
	if device == "" {
		device = cfg.GetDefaultDevice()
	}
	if device == "" {
		return nil, nil, fmt.Errorf("no device given; pass --device or set default_device in the config")
	}

	baud := flagBaud
	if baud == 0 {
		baud = cfg.BaudRateFor(device)
	}

	sess := board.NewSession(device, baud, helperPath)
	if err := sess.Connect(); err != nil {
		return nil, nil, err
	}
	return sess, sess.Disconnect, nil
}

// ctx returns a context cancelled by Ctrl-C.
func ctx() context.Context {
	c, _ := signal.NotifyContext(context.Background(), os.Interrupt)
	return c
}

func echoFollow(out string) {
	fmt.Print(out)
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List connected MicroPython boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			helperPath := flagHelper
			if helperPath == "" {
				helperPath = cfg.GetHelperPath()
			}
			if err := cli.ValidateHelper(helperPath); err != nil {
				return err
			}

			sess := board.NewSession("", 0, helperPath)
			scan, err := sess.ScanPorts(ctx())
			if err != nil {
				return err
			}
			if len(scan.Ports) == 0 {
				fmt.Println("No boards found.")
				return nil
			}
			for _, entry := range scan.Ports {
				device, baud := board.SplitPort(entry)
				fmt.Printf("%s (baud %d)\n", device, baud)
			}
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ls [target]",
		Short: "List files on the board",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "/"
			if len(args) == 1 {
				target = args[0]
			}

			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			var listing *board.ListContents
			if recursive {
				listing, err = sess.ListContentsRecursive(ctx(), target)
			} else {
				listing, err = sess.ListContents(ctx(), target)
			}
			if err != nil {
				return err
			}
			for _, f := range listing.Files {
				fmt.Printf("%8d  %s\n", f.Size, f.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "recurse into folders")
	return cmd
}

func execCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "exec <code>",
		Short: "Execute code on the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			_, err = sess.RunCommand(ctx(), args[0], interactive, echoFollow)
			fmt.Println()
			return err
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "run in interactive mode: output streams as it arrives; host stdin is not forwarded")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Run a local file on the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			_, err = sess.RunFile(ctx(), file, echoFollow)
			fmt.Println()
			return err
		},
	}
}

func syncOptions(cfg *config.Config, root string, follow board.FollowFunc) project.Options {
	fileTypes, ignore := cfg.GetSyncRules()
	return project.Options{
		Root:      root,
		FileTypes: fileTypes,
		Ignore:    ignore,
		Follow:    follow,
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload [root]",
		Short: "Upload the changed files of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if root, err = filepath.Abs(args[0]); err != nil {
					return err
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			syncer := project.NewSyncer(sess)
			status, err := syncer.UploadProject(ctx(), syncOptions(cfg, root, func(out string) {
				fmt.Println(out)
			}))
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Println("Everything up to date.")
			} else if status.Ok {
				fmt.Println("Upload complete.")
			} else {
				return fmt.Errorf("upload failed")
			}
			return nil
		},
	}
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <dest>",
		Short: "Download the board's filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			syncer := project.NewSyncer(sess)
			status, err := syncer.DownloadProject(ctx(), dest, func(out string) {
				fmt.Println(out)
			})
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Println("Board has no files.")
			} else if status.Ok {
				fmt.Println("Download complete.")
			} else {
				return fmt.Errorf("download failed")
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [root]",
		Short: "Upload files to the board as they are saved",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if root, err = filepath.Abs(args[0]); err != nil {
					return err
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			watcher := project.NewWatcher(sess, syncOptions(cfg, root, nil))
			watcher.OnUpload = func(rel string, ok bool) {
				if ok {
					fmt.Printf("uploaded %s\n", rel)
				} else {
					fmt.Printf("failed to upload %s\n", rel)
				}
			}

			fmt.Printf("Watching %s — Ctrl-C to stop.\n", root)
			if err := watcher.Run(ctx()); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var hard, follow bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			if hard {
				var fn board.FollowFunc
				if follow {
					fn = echoFollow
				}
				res, err := sess.HardReset(ctx(), fn)
				if err != nil {
					return err
				}
				if follow {
					// Give the boot stream a moment before disconnecting.
					time.Sleep(2 * time.Second)
				}
				if !res.Ok {
					return fmt.Errorf("hard reset failed")
				}
				fmt.Println("Board rebooted.")
				return nil
			}

			if _, err := sess.SoftReset(ctx(), false); err != nil {
				return err
			}
			fmt.Println("Soft reset done.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "reboot the board instead of soft-resetting the interpreter")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream the boot output after a hard reset")
	return cmd
}

func rtcCmd() *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "rtc",
		Short: "Read or sync the board clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			if sync {
				status, err := sess.SyncRtc(ctx())
				if err != nil {
					return err
				}
				if !status.Ok {
					return fmt.Errorf("RTC sync failed")
				}
				fmt.Println("RTC synced.")
				return nil
			}

			res, err := sess.GetRtcTime(ctx())
			if err != nil {
				return err
			}
			if res.Time == nil {
				return fmt.Errorf("board did not report a time")
			}
			fmt.Println(res.Time.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "set the board clock from the host clock")
	return cmd
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <item>",
		Short: "Show size and timestamps of an item on the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			res, err := sess.GetItemStat(ctx(), args[0])
			if err != nil {
				return err
			}
			if res.Stat == nil {
				return fmt.Errorf("%s not found", args[0])
			}
			kind := "file"
			if res.Stat.IsDir {
				kind = "dir"
			}
			fmt.Printf("%s  %s  %d bytes\n", res.Stat.Path, kind, res.Stat.Size)
			if res.Stat.LastModified != nil {
				fmt.Printf("modified  %s\n", res.Stat.LastModified.Format(time.RFC3339))
			}
			if res.Stat.Created != nil {
				fmt.Printf("created   %s\n", res.Stat.Created.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <target>",
		Short: "Delete a file or folder on the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			status, err := sess.DeleteFileOrFolder(ctx(), args[0], recursive)
			if err != nil {
				return err
			}
			if !status.Ok {
				return fmt.Errorf("delete failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete folders recursively")
	return cmd
}

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <folder>...",
		Short: "Create folders on the board",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			status, err := sess.CreateFolders(ctx(), args)
			if err != nil {
				return err
			}
			if !status.Ok {
				return fmt.Errorf("mkdir failed")
			}
			return nil
		},
	}
}

func mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <item> <target>",
		Short: "Rename an item on the board",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			status, err := sess.RenameItem(ctx(), args[0], args[1])
			if err != nil {
				return err
			}
			if !status.Ok {
				return fmt.Errorf("rename failed")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the board responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, done, err := newSession()
			if err != nil {
				return err
			}
			defer done()

			res, err := sess.CheckStatus(ctx())
			if err != nil {
				return err
			}
			if res == nil || !res.Ok {
				return fmt.Errorf("board did not respond")
			}
			fmt.Println("Board is responding.")
			return nil
		},
	}
}
