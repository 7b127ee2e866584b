package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/blacknet-honeypot/blacknet/internal/tlsconf"
)

var (
	certsDir      string
	certsValidity time.Duration
	certsHosts    []string
	certsServer   bool
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage the private CA used for sensor mutual TLS",
}

var certsInitCmd = &cobra.Command{
	Use:   "init-ca [common-name]",
	Short: "Create a new certificate authority in --dir",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cn := "blacknet CA"
		if len(args) == 1 {
			cn = args[0]
		}
		certPath, keyPath := caPaths()
		if _, err := os.Stat(keyPath); err == nil {
			return fmt.Errorf("%s already exists", keyPath)
		}
		ca, err := tlsconf.NewAuthority(cn, certsValidity)
		if err != nil {
			return err
		}
		keyPEM, err := ca.KeyPEM()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(certsDir, 0o700); err != nil {
			return err
		}
		if err := writePair(certPath, ca.CertPEM(), keyPath, keyPEM); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certPath, keyPath)
		return nil
	},
}

var certsIssueCmd = &cobra.Command{
	Use:   "issue <common-name>",
	Short: "Issue a sensor (or with --server, a server) certificate signed by the CA",
	Long: `Issue writes <common-name>.pem and <common-name>-key.pem to --dir.
A sensor certificate's common name is the sensor name recorded with every
attempt it reports.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cn := args[0]
		if cn == "" || filepath.Base(cn) != cn {
			return errors.New("common name must be a plain file name")
		}
		certPath, keyPath := caPaths()
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return err
		}
		caKey, err := os.ReadFile(keyPath)
		if err != nil {
			return err
		}
		ca, err := tlsconf.LoadAuthority(caCert, caKey)
		if err != nil {
			return err
		}
		if certsServer && len(certsHosts) == 0 {
			certsHosts = []string{cn}
		}
		certPEM, keyPEM, err := ca.Issue(cn, certsServer, certsHosts, certsValidity)
		if err != nil {
			return err
		}
		outCert := filepath.Join(certsDir, cn+".pem")
		outKey := filepath.Join(certsDir, cn+"-key.pem")
		if err := writePair(outCert, certPEM, outKey, keyPEM); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", outCert, outKey)
		return nil
	},
}

func init() {
	certsCmd.PersistentFlags().StringVar(&certsDir, "dir", "/etc/blacknet/pki", "directory holding the CA and issued certificates")
	certsCmd.PersistentFlags().DurationVar(&certsValidity, "validity", 2*365*24*time.Hour, "certificate lifetime")
	certsIssueCmd.Flags().BoolVar(&certsServer, "server", false, "issue a server certificate")
	certsIssueCmd.Flags().StringSliceVar(&certsHosts, "host", nil, "DNS name or IP for a server certificate (repeatable)")
	certsCmd.AddCommand(certsInitCmd, certsIssueCmd)
}

func caPaths() (cert, key string) {
	return filepath.Join(certsDir, "ca.pem"), filepath.Join(certsDir, "ca-key.pem")
}

func writePair(certPath string, certPEM []byte, keyPath string, keyPEM []byte) error {
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}
	return nil
}
