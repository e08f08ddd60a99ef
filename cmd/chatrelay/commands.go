package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/app"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/conntest"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/settings"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "output format (json)")
}

func wantJSON(cmd *cobra.Command) bool {
	out, _ := cmd.Flags().GetString("output")
	return out == "json"
}

// ── models ────────────────────────────────────────────────────────────────────

func newModelsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models <provider>",
		Short: "List the models a provider offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := chat.ParseProviderID(args[0])
			if err != nil {
				return err
			}
			models := catalog.Default().Models(p)
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), models)
			}
			return printModels(cmd.OutOrStdout(), models)
		},
	}
	outputFlag(cmd)
	return cmd
}

func printModels(w io.Writer, models []catalog.ModelDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVISION\tDESCRIPTION")
	for i, m := range models {
		id := m.ID
		if i == 0 {
			id += " (default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, m.DisplayName, yesNo(m.SupportsVision), m.Description)
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// ── set-model ─────────────────────────────────────────────────────────────────

func newSetModelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set-model <provider> [model]",
		Short: "Select the provider and model used for messages",
		Long:  "Select the provider and model used for messages. Without a model the provider's default is used.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := chat.ParseProviderID(args[0])
			if err != nil {
				return err
			}
			var model string
			if len(args) > 1 {
				model = args[1]
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Router().SetModel(cmd.Context(), p, model); err != nil {
					var ce *chat.Error
					if errors.As(err, &ce) && ce.Suggestion != "" {
						return fmt.Errorf("%w (%s)", err, ce.Suggestion)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Using %s", p.DisplayName())
				if model != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " / %s", model)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
}

// ── test ──────────────────────────────────────────────────────────────────────

func newTestCmd(c *cli) *cobra.Command {
	var creds conntest.Credentials
	cmd := &cobra.Command{
		Use:   "test <provider>",
		Short: "Check that an API key or webhook URL works",
		Long:  "Check that an API key or webhook URL works. Without --api-key or --url the saved settings are tested.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := chat.ParseProviderID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				if creds.APIKey == "" && creds.URL == "" {
					if creds, err = savedCredentials(cmd, a, p); err != nil {
						return err
					}
				}
				res := a.Router().TestConnection(cmd.Context(), p, creds)
				if wantJSON(cmd) {
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), res.Reason)
				}
				if !res.Reachable {
					return fmt.Errorf("connection test failed: %s", res.Kind)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&creds.APIKey, "api-key", "", "API key to test")
	cmd.Flags().StringVar(&creds.URL, "url", "", "webhook URL to test")
	outputFlag(cmd)
	return cmd
}

func savedCredentials(cmd *cobra.Command, a *app.App, p chat.ProviderID) (conntest.Credentials, error) {
	s, err := a.Settings().Load(cmd.Context())
	if err != nil {
		return conntest.Credentials{}, err
	}
	if p == chat.ProviderWebhook {
		return conntest.Credentials{URL: s.WebhookURL, APIKey: s.WebhookAPIKey}, nil
	}
	return conntest.Credentials{APIKey: s.APIKey(p)}, nil
}

// ── send ──────────────────────────────────────────────────────────────────────

func newSendCmd(c *cli) *cobra.Command {
	var (
		req       chat.ChatRequest
		pageURL   string
		pageTitle string
		imageFile string
	)
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send one chat message through the router",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Text = strings.Join(args, " ")
			if pageURL != "" || pageTitle != "" {
				req.Context = &chat.PageContext{URL: pageURL, Title: pageTitle}
			}
			if imageFile != "" {
				img, err := readImage(imageFile)
				if err != nil {
					return err
				}
				req.ImageData = img
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				resp, err := a.Router().ProcessMessage(cmd.Context(), req)
				if err != nil {
					var ce *chat.Error
					if errors.As(err, &ce) && ce.Kind.UserFacing() {
						fmt.Fprintln(cmd.ErrOrStderr(), ce.Message)
						if ce.Suggestion != "" {
							fmt.Fprintln(cmd.ErrOrStderr(), ce.Suggestion)
						}
					}
					return err
				}
				if wantJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
				fmt.Fprintf(cmd.ErrOrStderr(), "(%s, %d attempt(s), %dms)\n", resp.SourceProvider.DisplayName(), resp.Attempts, resp.ElapsedMs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "URL of the page the message is about")
	cmd.Flags().StringVar(&pageTitle, "title", "", "title of the page the message is about")
	cmd.Flags().StringVar(&imageFile, "image-file", "", "screenshot to attach")
	outputFlag(cmd)
	return cmd
}

// readImage loads path as a data URL.
func readImage(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(b)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("read image: %s is %s, not an image", path, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}

// ── credentials ───────────────────────────────────────────────────────────────

func newSetKeyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <provider> <api-key>",
		Short: "Save a provider API key",
		Long:  "Save a provider API key. Keys go to the OS keyring when settings.use_keyring is on. An empty key removes it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := chat.ParseProviderID(args[0])
			if err != nil {
				return err
			}
			if !p.IsAI() {
				return fmt.Errorf("%s has no API key; use set-webhook", p.DisplayName())
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return a.Settings().Update(cmd.Context(), func(s *settings.Settings) error {
					s.SetAPIKey(p, args[1])
					return nil
				})
			})
		},
	}
}

func newSetWebhookCmd(c *cli) *cobra.Command {
	var apiKey string
	cmd := &cobra.Command{
		Use:   "set-webhook <url>",
		Short: "Save the fallback webhook URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return a.Settings().Update(cmd.Context(), func(s *settings.Settings) error {
					s.WebhookURL = strings.TrimSpace(args[0])
					if cmd.Flags().Changed("api-key") {
						s.WebhookAPIKey = apiKey
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "value sent in the webhook's X-API-Key header")
	return cmd
}
