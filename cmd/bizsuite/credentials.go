package main

import (
	"errors"
	"fmt"

	"github.com/plaenen/bizsuite/pkg/security/credentials"
	"github.com/spf13/cobra"
)

func newCredentialsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage sealed NATS credentials",
	}
	cmd.AddCommand(newCredentialsSealCmd(opts))
	return cmd
}

func newCredentialsSealCmd(opts *rootOptions) *cobra.Command {
	var (
		keeperURL string
		out       string
		token     string
		user      string
		password  string
	)

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt NATS credentials into nats.credentials_file",
		Example: `  bizsuite credentials seal --token s3cret
  bizsuite credentials seal --user relay --password s3cret --out /etc/bizsuite/nats.creds`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if keeperURL == "" {
				keeperURL = cfg.NATS.KeeperURL
			}
			if out == "" {
				out = cfg.NATS.CredentialsFile
			}
			if keeperURL == "" || out == "" {
				return errors.New("--keeper and --out are required unless nats.keeper_url and nats.credentials_file are set")
			}

			var creds *credentials.Credentials
			switch {
			case token != "" && user == "":
				creds = credentials.Token(token)
			case token == "" && user != "":
				creds = credentials.UserPassword(user, password)
			default:
				return errors.New("pass either --token or --user and --password")
			}

			if err := credentials.SaveFile(cmd.Context(), keeperURL, out, creds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sealed %s credentials to %s\n", creds.Type, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&keeperURL, "keeper", "", "secrets keeper URL (default nats.keeper_url)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default nats.credentials_file)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&user, "user", "", "user name")
	cmd.Flags().StringVar(&password, "password", "", "password")
	return cmd
}
