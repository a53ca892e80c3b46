// File: cmd/login.go
package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/minseochh02/keyclick/internal/automator"
	"github.com/minseochh02/keyclick/internal/browser"
	"github.com/minseochh02/keyclick/internal/observability"
	"github.com/minseochh02/keyclick/internal/vision"
)

// newLoginCmd creates the `login` command: run the keyboard-defeating login
// pipeline against one or more configured sites. Attempts are fully isolated
// from each other; each gets its own tab, session and vision client.
func newLoginCmd() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login [sites...]",
		Short: "Performs automated logins against the named sites",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Configuration is loaded before this command runs; flags given on
			// the command line override the corresponding config values.
			if cmd.Flags().Changed("headless") {
				headless, err := cmd.Flags().GetBool("headless")
				if err != nil {
					return err
				}
				cfg.Browser.Headless = headless
			}
			if cmd.Flags().Changed("artifacts") {
				dir, err := cmd.Flags().GetString("artifacts")
				if err != nil {
					return err
				}
				cfg.Automator.ArtifactsDir = dir
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			mgr, err := browser.NewManager(ctx, logger, cfg.Browser)
			if err != nil {
				return fmt.Errorf("failed to start browser: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = mgr.Shutdown(shutdownCtx)
			}()

			results := make([]*automator.Result, 0, len(args))
			var mu sync.Mutex

			g, runCtx := errgroup.WithContext(ctx)
			for _, name := range args {
				g.Go(func() error {
					res, err := runSite(runCtx, logger, mgr, name)
					if res != nil {
						mu.Lock()
						results = append(results, res)
						mu.Unlock()
					}
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			var failed []string
			for _, res := range results {
				if res.Success {
					logger.Info("Login succeeded",
						zap.String("site", res.Site),
						zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
					)
					continue
				}
				failed = append(failed, res.Site)
				fields := []zap.Field{
					zap.String("site", res.Site),
					zap.String("stage", string(res.FailureStage)),
					zap.String("reason", res.FailureReason),
				}
				if res.TypingAttempt != nil {
					fields = append(fields, zap.Int("typed_characters", len(res.TypingAttempt.Results)))
				}
				logger.Error("Login failed", fields...)
			}

			if len(failed) > 0 {
				return fmt.Errorf("login failed for: %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}

	loginCmd.Flags().Bool("headless", true, "run the browser headless")
	loginCmd.Flags().String("artifacts", "", "directory for debug artifacts (screenshots, character maps)")
	return loginCmd
}

// runSite executes one isolated attempt. Setup errors abort the whole run;
// a pipeline failure is reported through the Result instead so sibling
// attempts keep going.
func runSite(ctx context.Context, logger *zap.Logger, mgr *browser.Manager, name string) (*automator.Result, error) {
	site, err := cfg.Site(name)
	if err != nil {
		return nil, err
	}
	creds, err := cfg.CredentialsFor(name)
	if err != nil {
		return nil, err
	}

	page, err := mgr.NewPage()
	if err != nil {
		return nil, fmt.Errorf("site %q: %w", name, err)
	}
	defer page.Close()

	vc, err := vision.New(cfg.Vision, logger)
	if err != nil {
		return nil, fmt.Errorf("site %q: %w", name, err)
	}

	auto, err := automator.New(logger, page, vc, cfg, site)
	if err != nil {
		return nil, fmt.Errorf("site %q: %w", name, err)
	}
	defer auto.Close()

	return auto.Run(ctx, creds), nil
}
