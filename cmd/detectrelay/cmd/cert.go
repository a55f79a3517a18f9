package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	tlsutil "github.com/psantana5/detectrelay/pkg/tls"
)

var (
	certDir      string
	certName     string
	certHosts    []string
	certValidFor time.Duration
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed certificate for development",
	Long: `Writes <name>.crt and <name>.key for use as tls.cert_file and tls.key_file.
Browsers must be told to trust the certificate before wss:// sessions work.`,
	RunE: runCert,
}

func init() {
	rootCmd.AddCommand(certCmd)

	certCmd.Flags().StringVar(&certDir, "dir", "certs", "output directory")
	certCmd.Flags().StringVar(&certName, "name", "detectrelay", "file name stem and certificate common name")
	certCmd.Flags().StringSliceVar(&certHosts, "hosts", nil, "extra IP addresses or host names for the certificate")
	certCmd.Flags().DurationVar(&certValidFor, "valid-for", tlsutil.DefaultValidity, "certificate lifetime")
}

func runCert(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(certDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", certDir, err)
	}
	certFile := filepath.Join(certDir, certName+".crt")
	keyFile := filepath.Join(certDir, certName+".key")

	if err := tlsutil.GenerateSelfSigned(certFile, keyFile, certName, certValidFor, certHosts...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nKey:         %s\n", certFile, keyFile)
	return nil
}
