package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-agents/pkg/auth"
	"github.com/polisai/polis-agents/pkg/domain"
	"github.com/polisai/polis-agents/pkg/logging"
)

func newProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List configured providers and how they authenticate",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			settings, err := a.cfg.ProviderSettings(a.logger)
			if err != nil {
				return err
			}
			src, err := a.sources(a.cfg)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tMODE\tSTREAMING\tMAX CONTEXT\tAUTH")
			for _, s := range settings {
				caps := s.Capabilities()
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\n",
					s.ID, s.Kind, s.Mode, caps.SupportsStreaming, caps.MaxContextTokens, describeAuth(s.ID, src))
			}
			return tw.Flush()
		},
	}
}

func newCheckAuthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-auth [provider]",
		Short: "Show which credential each provider would use",
		Long: `Resolve credentials in priority order: CLI session, environment,
configuration file, interactive login. Fails when the named provider has none.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			src, err := a.sources(a.cfg)
			if err != nil {
				return err
			}
			ids := a.cfg.ProviderIDs()
			if len(args) == 1 {
				id := strings.ToLower(args[0])
				known := false
				for _, k := range ids {
					known = known || k == id
				}
				if !known {
					return fmt.Errorf("%w: %s", domain.ErrUnknownProvider, id)
				}
				ids = []string{id}
			}

			var missing []string
			for _, id := range ids {
				status := describeAuth(id, src)
				fmt.Fprintf(a.stdout, "%s: %s\n", id, status)
				if _, err := auth.Resolve(id, src); err != nil {
					missing = append(missing, id)
				}
			}
			if len(args) == 1 && len(missing) > 0 {
				return fmt.Errorf("provider %s is not authenticated", missing[0])
			}
			return nil
		},
	}
}

// describeAuth reports the resolved method for id with secrets redacted.
func describeAuth(id string, src auth.Sources) string {
	method, err := auth.Resolve(id, src)
	if err != nil {
		var authErr *domain.AuthError
		if errors.As(err, &authErr) {
			return "unauthenticated"
		}
		return "error: " + err.Error()
	}
	switch method.Kind {
	case domain.AuthAPIKey:
		return fmt.Sprintf("api key %s via %s", logging.Redact(method.Key), method.Source)
	case domain.AuthAccountBased:
		return fmt.Sprintf("account session %s via %s", logging.Redact(method.SessionToken), method.Source)
	default:
		return method.String()
	}
}
