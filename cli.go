package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"framechain/internal/model"
	"framechain/internal/service"
)

var (
	runDescription string
	runClips       int
	runImage       string
	runMode        string
	runDuration    int
	runResolution  string
	retryResubmit  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a workflow and run it in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.orch.Create(ctx, service.CreateRequest{
				Mode: model.Mode(runMode),
				Scene: model.SceneRequest{
					Description:   runDescription,
					ClipCount:     runClips,
					StartingImage: runImage,
					Params:        model.GenerationParams{Duration: runDuration, Resolution: runResolution},
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "workflow %s created\n", st.ID)
			return drive(ctx, cmd, a, st.ID)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Continue a persisted workflow from its recorded state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return drive(ctx, cmd, a, args[0])
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Print the persisted state of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.orch.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			states, err := a.orch.List(ctx)
			if err != nil {
				return err
			}
			for _, st := range states {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d clips\n", st.ID, st.Mode, st.Status, st.Scene.ClipCount)
			}
			return nil
		})
	},
}

var nextCmd = &cobra.Command{
	Use:   "next <id>",
	Short: "Show the prompt and image the next manual clip must use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			info, err := a.orch.Current(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clip %d of %d\nprompt: %s\nimage: %s\n", info.Index+1, info.Count, info.Prompt, info.LocalPath)
			return nil
		})
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <id> <index> <video>",
	Short: "Attach an externally generated video as the next manual clip",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("clip index must be an integer: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.orch.SubmitClip(ctx, args[0], index, args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s is %s\n", st.ID, st.Status)
			return nil
		})
	},
}

var combineCmd = &cobra.Command{
	Use:   "combine <id>",
	Short: "Concatenate the finished clips into the final video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.orch.Combine(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.FinalArtifact)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed workflow and run it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.orch.Retry(ctx, args[0], retryResubmit); err != nil {
				return err
			}
			return drive(ctx, cmd, a, args[0])
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Mark a workflow that is not running as cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.orch.Abort(ctx, args[0])
			if err != nil && service.KindOf(err) != model.KindCancelled {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s is %s\n", st.ID, st.Status)
			return nil
		})
	},
}

func init() {
	runCmd.Flags().StringVarP(&runDescription, "description", "d", "", "scene description")
	runCmd.Flags().IntVarP(&runClips, "clips", "n", 3, "number of clips")
	runCmd.Flags().StringVarP(&runImage, "image", "i", "", "starting image: local path, http(s) or data url")
	runCmd.Flags().StringVar(&runMode, "mode", string(model.ModeAuto), "auto or manual")
	runCmd.Flags().IntVar(&runDuration, "duration", 0, "clip duration in seconds, 0 keeps the configured default")
	runCmd.Flags().StringVar(&runResolution, "resolution", "", "clip resolution, empty keeps the configured default")
	runCmd.MarkFlagRequired("description")
	runCmd.MarkFlagRequired("image")
	retryCmd.Flags().BoolVar(&retryResubmit, "resubmit", false, "start failed clips over with a new generation request")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, listCmd, nextCmd, submitCmd, combineCmd, retryCmd, cancelCmd)
}

// withApp builds the app and cancels the command context on SIGINT or
// SIGTERM, so an interrupted run still records its state.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// drive runs the workflow until it is terminal or waiting for a manual
// clip, then reports where it stopped.
func drive(ctx context.Context, cmd *cobra.Command, a *app, id string) error {
	st, err := a.orch.Run(ctx, id)
	if err != nil {
		if st != nil && st.Error != nil {
			return fmt.Errorf("workflow %s %s: %s", id, st.Status, st.Error.Message)
		}
		return err
	}
	out := cmd.OutOrStdout()
	switch st.Status {
	case model.StatusCompleted:
		fmt.Fprintln(out, st.FinalArtifact)
	case model.StatusGenerating:
		info, err := a.orch.Current(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "workflow %s waits for clip %d of %d\nprompt: %s\nimage: %s\n", id, info.Index+1, info.Count, info.Prompt, info.LocalPath)
		fmt.Fprintf(out, "attach it with: framechain submit %s %d <video>\n", id, info.Index)
	default:
		if st.Error != nil {
			return fmt.Errorf("workflow %s %s: %s", id, st.Status, st.Error.Message)
		}
		fmt.Fprintf(out, "workflow %s is %s\n", id, st.Status)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
