package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pulsepoint/pulsetree/internal/web"
	"github.com/spf13/cobra"
)

// infoCmd queries a running server
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show information about a running pulsetree server",
	RunE:  runInfo,
}

func init() {
	infoCmd.Flags().Int("port", 0, "Port of the running server (default from configuration)")
	infoCmd.Flags().String("address", "", "Address of the running server (default from configuration)")
	infoCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	infoCmd.Flags().Bool("json", false, "Print the raw JSON response")
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port, _ := cmd.Flags().GetInt("port")
	address, _ := cmd.Flags().GetString("address")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	if port == 0 {
		port = cfg.Serve.Port
	}
	if address == "" {
		address = cfg.Serve.Address
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	baseURL := "http://" + net.JoinHostPort(address, strconv.Itoa(port))
	info, err := fetchServerInfo(ctx, baseURL)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🌐 Server: %s\n", baseURL)
	fmt.Fprintf(out, "📁 Project: %s\n", info.ProjectName)
	fmt.Fprintf(out, "🆔 Session: %s\n", info.SessionID)
	fmt.Fprintf(out, "🏷️  Version: %s (protocol %d)\n", info.ServerVersion, info.ProtocolVersion)
	fmt.Fprintf(out, "🌳 Root Instance: %s\n", info.RootInstanceID)
	if len(info.ExpectedPlaceIDs) > 0 {
		fmt.Fprintf(out, "🎯 Expected Places: %v\n", info.ExpectedPlaceIDs)
	}
	return nil
}

// fetchServerInfo calls the info endpoint of the server at baseURL
func fetchServerInfo(ctx context.Context, baseURL string) (*web.ServerInfoResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/rojo", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("no pulsetree server at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e web.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Kind != "" {
			return nil, fmt.Errorf("server error %s: %s", e.Kind, e.Details)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var info web.ServerInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode server info: %w", err)
	}
	return &info, nil
}
