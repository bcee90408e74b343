package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/tempo/internal/syncclient"
	"github.com/marcus/tempo/internal/syncconfig"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage sync server credentials",
	GroupID: "sync",
}

var authLoginCmd = &cobra.Command{
	Use:   "login <owner-id>",
	Short: "Obtain tokens from the sync server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		secret, _ := cmd.Flags().GetString("secret")
		if serverURL == "" {
			serverURL = syncconfig.GetServerURL()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		client := syncclient.New(serverURL, "", "")
		resp, err := client.Login(ctx, args[0], secret)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			deviceID, _ = syncconfig.GenerateDeviceID()
		}

		creds := &syncconfig.AuthCredentials{
			OwnerID:      resp.OwnerID,
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ServerURL:    serverURL,
			DeviceID:     deviceID,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		fmt.Printf("logged in as %s (%s)\n", resp.OwnerID, serverURL)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			return err
		}
		fmt.Println("logged out")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication state",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			return err
		}
		if creds == nil || creds.AccessToken == "" {
			fmt.Println("not logged in")
			return nil
		}
		fmt.Printf("owner:  %s\nserver: %s\ndevice: %s\n", creds.OwnerID, creds.ServerURL, creds.DeviceID)

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		client := syncclient.New(syncconfig.GetServerURL(), creds.AccessToken, creds.RefreshToken)
		if _, err := client.HealthCheck(ctx); err != nil {
			fmt.Printf("server: unreachable (%v)\n", err)
		} else {
			fmt.Println("server: reachable")
		}
		return nil
	},
}

func init() {
	authLoginCmd.Flags().String("server", "", "sync server URL")
	authLoginCmd.Flags().String("secret", "", "shared secret, if the server requires one")
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
