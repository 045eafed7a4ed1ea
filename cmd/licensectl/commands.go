package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MacJediWizard/keyforge/internal/config"
	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func newInitCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with a freshly generated secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				p, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = p
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}

			cfg := config.Default()
			cfg.Secret = hex.EncodeToString(secret)
			if err := cfg.Save(path); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		typeName  string
		productID string
		years     int
		startStr  string
		endStr    string
		meta      []string
		actorID   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a single license",
		Long: `Issue a single license for a product.

Without --start/--end the window opens now and lasts the trial period for
trial licenses or --years for the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := license.ParseType(typeName)
			if err != nil {
				return err
			}
			md, err := parseMetadata(meta)
			if err != nil {
				return err
			}

			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var lic *license.License
			switch {
			case startStr != "" || endStr != "":
				start, end, err := parseWindow(startStr, endStr)
				if err != nil {
					return err
				}
				lic, err = a.manager.Create(ctx, license.CreateRequest{
					Type: typ, Start: start, End: end, ProductID: productID, Metadata: md, ActorID: actorID,
				})
				if err != nil {
					return exitReason(err)
				}
			case typ == license.TypeTrial:
				lic, err = a.manager.CreateTrial(ctx, productID, md, actorID)
			case typ == license.TypeStandard:
				lic, err = a.manager.CreateStandard(ctx, productID, years, md, actorID)
			case typ == license.TypeProfessional:
				lic, err = a.manager.CreateProfessional(ctx, productID, years, md, actorID)
			default:
				if years <= 0 {
					years = a.cfg.ValidYears
				}
				now := time.Now().UTC()
				lic, err = a.manager.Create(ctx, license.CreateRequest{
					Type: typ, Start: now, End: now.AddDate(years, 0, 0), ProductID: productID, Metadata: md, ActorID: actorID,
				})
			}
			if err != nil {
				return exitReason(err)
			}

			return printLicense(cmd.OutOrStdout(), opts.jsonOutput, lic)
		},
	}

	cmd.Flags().StringVar(&typeName, "type", string(license.TypeStandard), "license type (trial, standard, professional, enterprise)")
	cmd.Flags().StringVar(&productID, "product", "", "product ID (required)")
	cmd.Flags().IntVar(&years, "years", 0, "validity in years (default from config)")
	cmd.Flags().StringVar(&startStr, "start", "", "window start, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().StringVar(&endStr, "end", "", "window end, RFC 3339 or YYYY-MM-DD")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor recorded in the audit log")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func newBatchCmd(opts *globalOptions) *cobra.Command {
	var (
		count     int
		typeName  string
		productID string
		years     int
		meta      []string
		actorID   string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Issue many licenses in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := license.ParseType(typeName)
			if err != nil {
				return err
			}
			md, err := parseMetadata(meta)
			if err != nil {
				return err
			}

			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			licenses, err := a.manager.BatchCreate(cmd.Context(), license.BatchRequest{
				Count:            count,
				Type:             typ,
				ValidYears:       years,
				ProductID:        productID,
				MetadataTemplate: md,
				ActorID:          actorID,
			})
			if err != nil {
				return exitReason(err)
			}

			return printLicenses(cmd.OutOrStdout(), opts.jsonOutput, licenses)
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of licenses to issue")
	cmd.Flags().StringVar(&typeName, "type", string(license.TypeStandard), "license type")
	cmd.Flags().StringVar(&productID, "product", "", "product ID (required)")
	cmd.Flags().IntVar(&years, "years", 0, "validity in years (default from config)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value applied to every license (repeatable)")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor recorded in the audit log")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	var (
		productID string
		offline   bool
		actorID   string
	)

	cmd := &cobra.Command{
		Use:   "validate KEY",
		Short: "Validate a license key for a product",
		Long: `Validate a license key for a product.

Online validation checks the stored record and counts one activation.
--offline only decrypts the key and checks its product and window.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if offline {
				v, err := opts.newOfflineValidator()
				if err != nil {
					return err
				}
				p, err := v.ValidateOffline(args[0], productID)
				if err != nil {
					return exitReason(err)
				}
				if opts.jsonOutput {
					return writeJSON(out, payloadView(p))
				}
				fmt.Fprintf(out, "Valid (offline): %s %s until %s\n", p.ProductID, p.Type, p.End.Format(time.RFC3339))
				return nil
			}

			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			actor := license.Actor{
				ID:      actorID,
				Details: license.Metadata{"request_id": license.String(uuid.NewString())},
			}
			lic, err := a.validator.ValidateOnline(cmd.Context(), args[0], productID, actor)
			if err != nil {
				return exitReason(err)
			}
			return printLicense(out, opts.jsonOutput, lic)
		},
	}

	cmd.Flags().StringVar(&productID, "product", "", "product ID the key must belong to (required)")
	cmd.Flags().BoolVar(&offline, "offline", false, "validate without the store")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor recorded in the audit log")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func newActivateCmd(opts *globalOptions) *cobra.Command {
	return newMutationCmd(opts, "activate KEY", "Move a pending license to active",
		func(a *app, cmd *cobra.Command, key, actorID string) (*license.License, error) {
			return a.manager.Activate(cmd.Context(), key, actorID)
		})
}

func newRevokeCmd(opts *globalOptions) *cobra.Command {
	return newMutationCmd(opts, "revoke KEY", "Revoke a license",
		func(a *app, cmd *cobra.Command, key, actorID string) (*license.License, error) {
			return a.manager.Revoke(cmd.Context(), key, actorID)
		})
}

func newMutationCmd(opts *globalOptions, use, short string,
	fn func(a *app, cmd *cobra.Command, key, actorID string) (*license.License, error)) *cobra.Command {
	var actorID string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			lic, err := fn(a, cmd, args[0], actorID)
			if err != nil {
				return exitReason(err)
			}
			return printLicense(cmd.OutOrStdout(), opts.jsonOutput, lic)
		},
	}

	cmd.Flags().StringVar(&actorID, "actor", "", "actor recorded in the audit log")
	return cmd
}

func newUpdateCmd(opts *globalOptions) *cobra.Command {
	var (
		statusName string
		meta       []string
		actorID    string
	)

	cmd := &cobra.Command{
		Use:   "update KEY",
		Short: "Change a license's status or replace its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := license.UpdateRequest{ActorID: actorID}
			if statusName != "" {
				s, err := license.ParseStatus(statusName)
				if err != nil {
					return err
				}
				req.Status = &s
			}
			md, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			req.Metadata = md
			if req.Status == nil && len(req.Metadata) == 0 {
				return errors.New("nothing to update: pass --status or --meta")
			}

			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			lic, err := a.manager.Update(cmd.Context(), args[0], req)
			if err != nil {
				return exitReason(err)
			}
			return printLicense(cmd.OutOrStdout(), opts.jsonOutput, lic)
		},
	}

	cmd.Flags().StringVar(&statusName, "status", "", "new status (pending, active, expired, revoked)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "replacement metadata key=value (repeatable)")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor recorded in the audit log")
	return cmd
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var productID, statusName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			licenses, err := a.manager.List(cmd.Context(), license.ListFilter{
				ProductID: productID,
				Status:    license.Status(statusName),
			})
			if err != nil {
				return exitReason(err)
			}
			return printLicenses(cmd.OutOrStdout(), opts.jsonOutput, licenses)
		},
	}

	cmd.Flags().StringVar(&productID, "product", "", "only licenses for this product")
	cmd.Flags().StringVar(&statusName, "status", "", "only licenses in this status")
	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history KEY",
		Short: "Show a license's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return errNoKey
			}

			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.manager.History(cmd.Context(), args[0])
			if err != nil {
				return exitReason(err)
			}
			return printHistory(cmd.OutOrStdout(), opts.jsonOutput, entries)
		},
	}
}

func newExpireCmd(opts *globalOptions) *cobra.Command {
	var actorID string

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Mark every overdue pending or active license as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.manager.ExpireOverdue(cmd.Context(), actorID)
			if err != nil {
				return exitReason(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d license(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&actorID, "actor", "", "actor recorded in the audit log")
	return cmd
}

// parseMetadata turns key=value pairs into metadata. Values that parse as a
// JSON scalar keep their type; anything else is a string.
func parseMetadata(pairs []string) (license.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(license.Metadata, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q: want key=value", pair)
		}
		var val license.Value
		if !json.Valid([]byte(v)) || val.UnmarshalJSON([]byte(v)) != nil {
			val = license.String(v)
		}
		md[k] = val
	}
	return md, nil
}

func parseWindow(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, errors.New("--start and --end must be given together")
	}
	start, err := parseTime(startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := parseTime(endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
	}
	return start, end, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(dateLayout, s)
}
