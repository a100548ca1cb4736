package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"framegeist/pkg/client"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:           "asciictl",
	Short:         "Upload videos to a framegeist server and play them as text",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultURL := os.Getenv("FRAMEGEIST_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8091"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "framegeist server URL (env FRAMEGEIST_URL)")

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPlayCmd())
	rootCmd.AddCommand(newConvertCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "asciictl: %v\n", err)
		os.Exit(1)
	}
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <video>",
		Short: "Stage a video and print its stream id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.New(serverURL).Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.StreamID)
			if out.Video != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %dx%d %.2f fps %.1fs\n",
					out.Video.Codec, out.Video.Width, out.Video.Height, out.Video.FrameRate, out.Video.Duration)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <stream-id>",
		Short: "Show whether a stream is ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client.New(serverURL).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tready=%t\n", status.StreamID, status.Status, status.Ready)
			return nil
		},
	}
}

func newPlayCmd() *cobra.Command {
	var (
		fps     float64
		poll    time.Duration
		noClear bool
	)

	cmd := &cobra.Command{
		Use:   "play <stream-id|video>",
		Short: "Play a stream, uploading the file first when given a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fps <= 0 {
				return errors.New("--fps must be positive")
			}
			ctx := cmd.Context()
			c := client.New(serverURL)

			id := args[0]
			if !strings.HasPrefix(id, "stream_") {
				if _, err := os.Stat(id); err != nil {
					return err
				}
				out, err := c.Upload(ctx, id)
				if err != nil {
					return err
				}
				id = out.StreamID
			}

			if err := c.WaitReady(ctx, id, poll); err != nil {
				return err
			}

			stream, err := c.Stream(ctx, id)
			if err != nil {
				return err
			}
			defer stream.Close()

			player := NewPlayer(cmd.OutOrStdout(), time.Duration(float64(time.Second)/fps))
			if noClear {
				player.animate = false
			}
			frames, err := player.Play(ctx, stream)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "played %d frames\n", frames)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&fps, "fps", 10, "playback rate in frames per second")
	flags.DurationVar(&poll, "poll", 500*time.Millisecond, "readiness polling interval")
	flags.BoolVar(&noClear, "no-clear", false, "print frames one after another even on a terminal")
	return cmd
}

func newConvertCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "convert <image|video>",
		Short: "Convert a file in one request and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverURL)
			path := args[0]

			convert := c.ConvertVideo
			if isImage(path) {
				convert = c.ConvertImage
			}
			out, err := convert(cmd.Context(), path)
			if err != nil {
				return err
			}
			if !out.Success {
				return errors.New(out.Error)
			}

			w := cmd.OutOrStdout()
			if out.ASCIIArt != "" {
				fmt.Fprintln(w, out.ASCIIArt)
				return nil
			}
			frames := out.Frames
			if !all && len(frames) > 1 {
				frames = frames[:1]
				fmt.Fprintf(cmd.ErrOrStderr(), "showing 1 of %d frames, use --all for every frame\n", len(out.Frames))
			}
			for i, f := range frames {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintln(w, f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "print every converted frame of a video")
	return cmd
}

func isImage(path string) bool {
	switch strings.ToLower(path[strings.LastIndex(path, ".")+1:]) {
	case "png", "jpg", "jpeg", "gif":
		return true
	}
	return false
}
