package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/driveback/driveback/config"
	"github.com/driveback/driveback/upload"
	"github.com/driveback/driveback/upload/drive"
	"github.com/driveback/driveback/upload/history"
	"github.com/driveback/driveback/upload/localfile"
	"github.com/driveback/driveback/upload/session"
	"github.com/driveback/driveback/upload/storage"
)

// errConsentNeeded maps the consent status to its own exit code so that an
// external scheduler can tell it apart from a retriable failure.
var errConsentNeeded = errors.New("authorization consent needed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errConsentNeeded) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "driveback: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "driveback",
		Short:        "Resumable backup uploads to a Drive folder",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newRunCmd(),
		newHistoryCmd(),
		newStatusCmd(),
	)
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one upload attempt, resuming any in-flight session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := log.NewLogger()
			logger.EnableDebugLog(cfg.Verbose)

			db, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer storage.Close(db) //nolint:errcheck

			tokens, err := cfg.TokenSource(cmd.Context())
			if err != nil {
				return err
			}

			client := drive.NewClient(drive.ClientConfig{
				Tokens:        tokens,
				APIBaseURL:    cfg.APIBaseURL,
				UploadBaseURL: cfg.UploadBaseURL,
			}, logger)

			uploader := upload.NewUploader(
				upload.Config{
					SourcePattern: cfg.SourcePattern,
					FolderID:      cfg.FolderID,
					MimeType:      cfg.MimeType,
				},
				session.NewStore(db),
				client,
				localfile.NewSource(),
				history.NewRecorder(db),
				logger,
			)

			status := uploader.Run(cmd.Context(), func(uploaded, total int64) {
				logger.Printf("Uploaded %s of %s",
					units.HumanSizeWithPrecision(float64(uploaded), 3),
					units.HumanSizeWithPrecision(float64(total), 3))
			})

			switch status.State {
			case upload.StateSuccess:
				logger.Donef("%s is in the cloud (file id %s)", status.FileName, status.RemoteFileID)
				return nil
			case upload.StateNeedsConsent:
				return errConsentNeeded
			case upload.StateFailed:
				return fmt.Errorf("upload failed (%s): %w", status.Kind, status.Err)
			default:
				return nil
			}
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent upload attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer storage.Close(db) //nolint:errcheck

			entries, err := history.NewRecorder(db).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no upload attempts recorded")
				return nil
			}

			for _, e := range entries {
				line := fmt.Sprintf("%s  %-7s  %s (%s)",
					e.CreatedAt.Local().Format(time.RFC3339),
					e.Outcome,
					e.FileName,
					units.HumanSizeWithPrecision(float64(e.SizeBytes), 3))
				if e.Message != "" {
					line += "  " + e.Message
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of entries to show")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted upload session, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			db, err := storage.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer storage.Close(db) //nolint:errcheck

			sess, err := session.NewStore(db).Load(cmd.Context())
			if err != nil {
				return err
			}
			if sess == nil {
				fmt.Println("no upload in flight")
				return nil
			}

			fmt.Printf("file:      %s\n", sess.FileName)
			fmt.Printf("progress:  %s of %s\n",
				units.HumanSizeWithPrecision(float64(sess.BytesUploaded), 3),
				units.HumanSizeWithPrecision(float64(sess.TotalBytes), 3))
			fmt.Printf("folder:    %s\n", sess.FolderID)
			fmt.Printf("started:   %s\n", sess.CreatedAt.Local().Format(time.RFC3339))
			if sess.RemoteFileID != "" {
				fmt.Printf("remote id: %s (completion pending cleanup)\n", sess.RemoteFileID)
			}
			return nil
		},
	}
}
