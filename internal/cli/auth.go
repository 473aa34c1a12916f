package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/refsmith/downloader/internal/cookies"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authenticated session cookies",
	}

	var saveCookies bool
	var cookiesPath string
	capture := &cobra.Command{
		Use:   "capture",
		Short: "Import session cookies from a Netscape cookies.txt export",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cookiesPath == "" {
				return fmt.Errorf("no cookies source given\n  Suggestion: Pass --cookies <path> (or '-' for stdin) with an exported cookies.txt")
			}

			var reader io.Reader = os.Stdin
			if cookiesPath != "-" {
				file, err := os.Open(cookiesPath)
				if err != nil {
					return fmt.Errorf("open cookies file: %w", err)
				}
				defer file.Close()
				reader = file
			}

			imported, err := cookies.ParseNetscapeFile(reader)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d cookies.\n", len(imported))

			if saveCookies {
				store := cookies.NewStore(configHomeDir())
				masterKey := os.Getenv(cookies.MasterKeyEnv)
				if err := store.Save(imported, masterKey); err != nil {
					return err
				}
				fmt.Printf("Saved encrypted cookie store to %s.\n", store.Path())
			}
			return nil
		},
	}
	capture.Flags().StringVar(&cookiesPath, "cookies", "", "Path to a Netscape cookies.txt export")
	capture.Flags().BoolVar(&saveCookies, "save-cookies", false, "Persist the imported cookies encrypted at rest")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted cookie store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := cookies.NewStore(configHomeDir())
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("Cleared persisted cookies.")
			return nil
		},
	}

	cmd.AddCommand(capture)
	cmd.AddCommand(clear)
	return cmd
}
