package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"media-fetch-service/internal/client"
	"media-fetch-service/internal/domain/model"
)

var downloadCmd = &cobra.Command{
	Use:   "download URL",
	Short: "Queue a download, follow its progress and save the file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var (
	downloadMode  string
	downloadOut   string
	downloadPush  bool
	downloadRetry int
)

func init() {
	downloadCmd.Flags().StringVarP(&downloadMode, "mode", "m", "video", "video or audio")
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", ".", "directory to save the file into")
	downloadCmd.Flags().BoolVar(&downloadPush, "push", false, "follow progress over the websocket stream instead of polling")
	downloadCmd.Flags().IntVar(&downloadRetry, "retries", 0, "resubmit this many times after a failure")
}

func runDownload(cmd *cobra.Command, args []string) error {
	mode, err := model.ParseMode(downloadMode)
	if err != nil {
		return fmt.Errorf("--mode must be video or audio")
	}
	if err := os.MkdirAll(downloadOut, 0o755); err != nil {
		return err
	}

	api := newAPI()
	var feed client.Feed = client.NewPollingFeed(api, client.DefaultPollInterval)
	if downloadPush {
		feed = client.NewPushFeed(api)
	}
	s := client.NewSession(api, feed)

	out := cmd.OutOrStdout()
	bar := newProgressView(out)
	s.OnChange(bar.Render)

	ctx := cmd.Context()
	info, err := s.RequestInfo(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, renderInfo(info))

	_, err = s.Download(ctx, mode)
	for i := 0; err != nil && i < downloadRetry && retryable(err); i++ {
		bar.Done()
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%s, retrying (%d/%d)", describe(err), i+1, downloadRetry)))
		_, err = s.Retry(ctx)
	}
	bar.Done()
	if err != nil {
		return err
	}

	return save(cmd, s)
}

// save writes to a temp file first so an interrupted transfer never leaves a truncated file.
func save(cmd *cobra.Command, s *client.Session) error {
	tmp, err := os.CreateTemp(downloadOut, ".fetchctl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	name, n, err := s.Save(cmd.Context(), tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	dst := filepath.Join(downloadOut, filepath.Base(name))
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("saved ")+dst+mutedStyle.Render(fmt.Sprintf(" (%s)", humanBytes(n))))
	return nil
}

func retryable(err error) bool {
	var jf *client.JobFailedError
	return errors.As(err, &jf) || errors.Is(err, client.ErrConnectivity)
}
