package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

type runFlags struct {
	count          int
	url            string
	accounts       string
	backend        string
	siteAutomation bool
	hold           bool
	timeout        time.Duration
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a batch of sandboxes, wait for them and print their status",
		Example: `  server run --count 3 --url https://example.com --accounts accounts.txt
  server run --count 1 --url example.com --hold`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup(cmd)
			if err != nil {
				return err
			}

			req := models.CreateSandboxesRequest{
				Count:                f.count,
				TargetURL:            f.url,
				Backend:              f.backend,
				EnableSiteAutomation: f.siteAutomation,
			}
			if f.accounts != "" {
				data, err := os.ReadFile(f.accounts)
				if err != nil {
					return fmt.Errorf("read accounts: %w", err)
				}
				req.Identities = string(data)
				req.UseIdentityLogin = true
			}

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.shutdown(); err != nil {
					log.WithError(err).Warn("Failed to clean up sandboxes")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			created, err := a.sandboxes.Create(ctx, req)
			if err != nil {
				return err
			}
			ids := make([]int64, len(created))
			for i, sb := range created {
				ids[i] = sb.ID
			}

			waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			if err := a.sandboxes.Wait(waitCtx, ids...); err != nil {
				log.WithError(err).Warn("Stopped waiting for sandboxes")
			}

			final := make([]models.Sandbox, 0, len(ids))
			for _, id := range ids {
				if sb, err := a.sandboxes.Get(id); err == nil {
					final = append(final, sb)
				}
			}
			printTable(cmd.OutOrStdout(), final, a.cookies.Dir())

			if f.hold && ctx.Err() == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "\nSandboxes stay open; press Ctrl+C to delete them.")
				<-ctx.Done()
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&f.count, "count", "n", 1, "number of sandboxes")
	flags.StringVarP(&f.url, "url", "u", "", "target URL")
	flags.StringVarP(&f.accounts, "accounts", "a", "", "account file, one \"email;password;recovery\" per line; enables identity login")
	flags.StringVar(&f.backend, "backend", "", "backend to launch browsers with (default from config)")
	flags.BoolVar(&f.siteAutomation, "site-automation", false, "try the target site's federated login after identity login")
	flags.BoolVar(&f.hold, "hold", false, "keep sandboxes open until interrupted")
	flags.DurationVar(&f.timeout, "timeout", 10*time.Minute, "maximum wait for all pipelines")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

var statusColors = map[models.SandboxStatus]*color.Color{
	models.StatusInitializing: color.New(color.FgYellow),
	models.StatusRunning:      color.New(color.FgGreen),
	models.StatusError:        color.New(color.FgRed),
	models.StatusStopped:      color.New(color.Faint),
}

// printTable writes one line per sandbox. Columns are padded before
// coloring so escape codes do not break the alignment.
func printTable(w io.Writer, sandboxes []models.Sandbox, cookieDir string) {
	header := color.New(color.Bold)
	header.Fprintf(w, "%-4s %-13s %-28s %-8s %s\n", "ID", "STATUS", "ACCOUNT", "COOKIES", "DETAIL")

	for _, sb := range sandboxes {
		account := sb.AccountEmail
		if account == "" {
			account = "-"
		}

		status := fmt.Sprintf("%-13s", sb.Status)
		if c, ok := statusColors[sb.Status]; ok {
			status = c.Sprint(status)
		}

		detail := sb.Message
		switch {
		case sb.Status == models.StatusError:
			detail = sb.Error
		case sb.CookieFile != "":
			detail = cookieDir + "/" + sb.CookieFile
		}

		fmt.Fprintf(w, "%-4d %s %-28s %-8d %s\n", sb.ID, status, truncate(account, 28), sb.CookieCount, detail)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
