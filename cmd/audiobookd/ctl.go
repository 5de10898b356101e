package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/austinkregel/local-media/audiobookd/internal/ipc"
	"github.com/austinkregel/local-media/audiobookd/internal/registry"
	"github.com/austinkregel/local-media/audiobookd/internal/session"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func init() {
	ctlOpenCmd.Flags().Bool("autoplay", true, "Start playing once loaded")
	ctlStopCmd.Flags().Bool("dismiss", false, "Also dismiss UI tied to the book")

	ctlCmd.AddCommand(
		ctlStatusCmd, ctlBooksCmd, ctlOpenCmd, ctlStopCmd, ctlSyncCmd, ctlWatchCmd,
		ctlSkipCmd, ctlChapterCmd, ctlRateCmd,
		simpleCtl("play", "Resume playback", ipc.CmdPlay),
		simpleCtl("pause", "Pause playback", ipc.CmdPause),
		simpleCtl("toggle", "Toggle play/pause", ipc.CmdToggle),
	)
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running daemon",
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			var st session.Status
			if err := c.Call(ctx, ipc.CmdStatus, nil, &st); err != nil {
				return err
			}
			printStatus(cmd, st)
			return nil
		})
	},
}

var ctlBooksCmd = &cobra.Command{
	Use:   "books",
	Short: "List registered books",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			var books []registry.BookSummary
			if err := c.Call(ctx, ipc.CmdBooks, nil, &books); err != nil {
				return err
			}
			for _, b := range books {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-20s %s\n", b.ID, b.State, b.Title)
			}
			return nil
		})
	},
}

var ctlOpenCmd = &cobra.Command{
	Use:   "open <book id>",
	Short: "Open a book, answering any sync prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		autoplay := lo.Must(cmd.Flags().GetBool("autoplay"))
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			return answeringPrompts(ctx, c, func() error {
				var st session.Status
				err := c.Call(ctx, ipc.CmdOpenBook, ipc.OpenBookRequest{BookID: args[0], Autoplay: autoplay}, &st)
				if err != nil {
					return err
				}
				printStatus(cmd, st)
				return nil
			})
		})
	},
}

var ctlSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Check the synced position of the open book",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			return answeringPrompts(ctx, c, func() error {
				var sr ipc.SyncResponse
				if err := c.Call(ctx, ipc.CmdSync, nil, &sr); err != nil {
					return err
				}
				switch {
				case sr.Position == nil:
					fmt.Fprintln(cmd.OutOrStdout(), "no position to sync")
				case sr.Accepted:
					fmt.Fprintf(cmd.OutOrStdout(), "moved to %s\n", sr.Position.Description())
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "staying at %s\n", sr.Position.Description())
				}
				return nil
			})
		})
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop playback and close the book",
	RunE: func(cmd *cobra.Command, args []string) error {
		dismiss := lo.Must(cmd.Flags().GetBool("dismiss"))
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			return c.Call(ctx, ipc.CmdStop, ipc.StopRequest{Dismiss: dismiss}, nil)
		})
	},
}

var ctlSkipCmd = &cobra.Command{
	Use:   "skip <seconds>",
	Short: "Skip forward, or backward with a negative value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid seconds %q", args[0])
		}
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			return c.Call(ctx, ipc.CmdSkip, ipc.SkipRequest{Seconds: secs}, nil)
		})
	},
}

var ctlChapterCmd = &cobra.Command{
	Use:   "chapter <index>",
	Short: "Jump to a chapter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid chapter %q", args[0])
		}
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			return c.Call(ctx, ipc.CmdSkipToChapter, ipc.SkipToChapterRequest{Index: idx}, nil)
		})
	},
}

var ctlRateCmd = &cobra.Command{
	Use:   "rate [rate]",
	Short: "Set the playback rate, or cycle to the next one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			var rr ipc.RateResponse
			if len(args) == 0 {
				if err := c.Call(ctx, ipc.CmdCyclePlaybackRate, nil, &rr); err != nil {
					return err
				}
			} else {
				r, err := strconv.ParseFloat(strings.TrimSuffix(args[0], "x"), 64)
				if err != nil {
					return fmt.Errorf("invalid rate %q", args[0])
				}
				if err := c.Call(ctx, ipc.CmdSetRate, ipc.RateRequest{Rate: r}, &rr); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), rr.Rate)
			return nil
		})
	},
}

var ctlWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print session events as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.Call(ctx, ipc.CmdSubscribe, nil, nil); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case p, ok := <-c.Pushes():
					if !ok {
						return ipc.ErrClosed
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", p.Type, p.Data)
				}
			}
		})
	},
}

func simpleCtl(use, short string, command ipc.CommandType) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return c.Call(ctx, command, nil, nil)
			})
		},
	}
}

// withClient connects and authenticates, pairing once and reusing the
// saved token afterwards
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ipc.Client) error) error {
	ctx := cmd.Context()
	c, err := ipc.Dial(socketPath(cfgMgr.Get()))
	if err != nil {
		return err
	}
	defer c.Close()

	tokenPath := filepath.Join(cfgMgr.Dir(), "ctl-token")
	if data, err := filesystem.API().ReadFile(tokenPath); err == nil {
		c.SetToken(strings.TrimSpace(string(data)))
	} else {
		p, err := c.Pair(ctx, "audiobookd ctl")
		if err != nil {
			return fmt.Errorf("pairing failed: %w", err)
		}
		if err := filesystem.API().WriteFile(tokenPath, []byte(p.Token), 0600); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}

	err = fn(ctx, c)
	var re *ipc.RemoteError
	if errors.As(err, &re) && re.Code == ipc.CodeUnauthorized {
		_ = filesystem.API().Remove(tokenPath)
		return fmt.Errorf("%w (saved token removed, run the command again to re-pair)", err)
	}
	return err
}

// answeringPrompts subscribes, runs fn and answers sync prompts pushed
// while it runs
func answeringPrompts(ctx context.Context, c *ipc.Client, fn func() error) error {
	if err := c.Call(ctx, ipc.CmdSubscribe, nil, nil); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	for {
		select {
		case err := <-done:
			return err
		case p, ok := <-c.Pushes():
			if !ok {
				return <-done
			}
			if p.Type != ipc.PushSyncPrompt {
				continue
			}
			var prompt ipc.SyncPrompt
			if err := json.Unmarshal(p.Data, &prompt); err != nil {
				continue
			}
			accept := askSync(prompt)
			if err := c.Call(ctx, ipc.CmdSyncAnswer, ipc.SyncAnswerRequest{PromptID: prompt.ID, Accept: accept}, nil); err != nil {
				fmt.Println("answer not delivered:", err)
			}
		}
	}
}

func askSync(p ipc.SyncPrompt) bool {
	msg := fmt.Sprintf("A newer position was synced (%s). Move there?", describe(p.Remote))
	if p.Local != nil {
		msg = fmt.Sprintf("A different position was synced (%s, here %s). Move there?",
			describe(p.Remote), describe(*p.Local))
	}

	var accept bool
	confirm := survey.Confirm{Message: msg, Default: true}
	if err := survey.AskOne(&confirm, &accept); err != nil {
		return false
	}
	return accept
}

func describe(pos types.PlaybackPosition) string {
	return fmt.Sprintf("track %s at %s", pos.TrackKey, clock(pos.Timestamp))
}

func clock(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}

func printStatus(cmd *cobra.Command, st session.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state:    %s\n", st.State)
	if st.BookID == "" {
		return
	}
	fmt.Fprintf(out, "book:     %s (%s)\n", st.Title, st.Author)
	fmt.Fprintf(out, "rate:     %s\n", st.Rate)
	if st.Chapter != nil {
		fmt.Fprintf(out, "chapter:  %d/%d %s\n", st.Chapter.Index+1, st.Chapters, st.Chapter.Title)
	}
	if st.Position != nil {
		fmt.Fprintf(out, "position: %s\n", describe(*st.Position))
	}
}
