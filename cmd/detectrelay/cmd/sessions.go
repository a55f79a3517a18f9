package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/detectrelay/pkg/session"
	tlsutil "github.com/psantana5/detectrelay/pkg/tls"
)

var (
	serverURL string
	serverCA  string
)

// sessionsCmd lists the sessions of a running server
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live sessions of a running server",
	Long:  `Retrieve and display the sessions currently connected to a detectrelay server.`,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "detectrelay server URL")
	sessionsCmd.Flags().StringVar(&serverCA, "ca", "", "CA certificate for an https server with a private certificate")
}

type sessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

func fetchSessions(baseURL, caFile string) (*sessionsResponse, error) {
	url := strings.TrimRight(baseURL, "/") + "/sessions"

	tlsConfig, err := tlsutil.ClientConfig(caFile)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result sessionsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	result, err := fetchSessions(serverURL, serverCA)
	if err != nil {
		return err
	}

	switch outputFormat {
	case "json":
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	case "yaml":
		return writeYAML(result)
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No active sessions")
		return nil
	}
	renderSessions(os.Stdout, result.Sessions, time.Now())
	fmt.Printf("\nTotal sessions: %d\n", result.Count)
	return nil
}

func renderSessions(w io.Writer, sessions []session.Info, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "State", "Remote", "Age", "PID", "Progress", "Uploaded")

	for _, s := range sessions {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		table.Append(
			s.ID,
			string(s.State),
			s.RemoteAddr,
			now.Sub(s.ConnectedAt).Truncate(time.Second).String(),
			pid,
			fmt.Sprintf("%d%%", s.Progress),
			formatBytes(s.Uploaded),
		)
	}
	table.Render()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
