package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/lockgate/internal/diagnostics/storagecheck"
	"pkt.systems/lockgate/internal/svcfields"
	"pkt.systems/pslog"
)

func newVerifyCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(baseLogger))
	return cmd
}

func newVerifyStoreCommand(baseLogger pslog.Logger) *cobra.Command {
	// Reuse the controller flag set so the same env vars and config file apply.
	cmd := newControllerCommand(baseLogger)
	cmd.Use = "store"
	cmd.Aliases = nil
	cmd.Short = "Verify the artifact store with a write/read/list/delete probe"
	cmd.Example = strings.TrimSpace(`
# Verify a disk store
LOCKGATE_STORE=disk:///var/lib/lockgate lockgate verify store

# Verify MinIO
lockgate verify store --store s3://frames --s3-endpoint localhost:9000 --s3-insecure --s3-access-key minio --s3-secret-key minio123

# Verify Azure Blob
LOCKGATE_STORE=azure://myacct/frames LOCKGATE_AZURE_KEY=... lockgate verify store
`)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v, err := newViper(cmd)
		if err != nil {
			return err
		}
		if _, err := loadConfigFile(v); err != nil {
			return err
		}
		cfg, err := controllerConfig(v)
		if err != nil {
			return err
		}
		logger := svcfields.WithSubsystem(commandLogger(baseLogger, v), "cli.verify")
		res, err := storagecheck.VerifyStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		desc := res.Description
		fmt.Fprintf(out, "Store: %s\n", res.Store)
		fmt.Fprintf(out, "Provider: %s\n", desc.Provider)
		if desc.Endpoint != "" {
			fmt.Fprintf(out, "Endpoint: %s\n", desc.Endpoint)
		}
		if desc.Location != "" {
			fmt.Fprintf(out, "Location: %s\n", desc.Location)
		}
		if desc.Prefix != "" {
			fmt.Fprintf(out, "Prefix: %s\n", desc.Prefix)
		}
		if cred := desc.Credentials; cred.Source != "" || cred.AccessKey != "" {
			accessKey := cred.AccessKey
			if accessKey == "" {
				accessKey = "(none)"
			}
			fmt.Fprintf(out, "AccessKey: %s (has_secret:%t source:%s)\n", accessKey, cred.HasSecret, cred.Source)
		}
		fmt.Fprintln(out)
		for _, check := range res.Checks {
			if check.Err == nil {
				fmt.Fprintf(out, "✔ %s\n", check.Name)
			} else {
				fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
			}
		}
		if res.Passed() {
			fmt.Fprintln(out, "Storage verification succeeded.")
			return nil
		}
		return fmt.Errorf("storage verification failed")
	}
	return cmd
}
