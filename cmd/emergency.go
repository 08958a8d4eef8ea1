package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmarchand/hemonet/config"
)

var (
	emHospital string
	emType     string
	emUnits    int
	emSeverity string
)

var emergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "Inject a test emergency into a running service",
	RunE:  injectEmergency,
}

func init() {
	emergencyCmd.Flags().StringVar(&emHospital, "hospital", "", "demanding hospital id")
	emergencyCmd.Flags().StringVar(&emType, "type", "O-", "required blood type")
	emergencyCmd.Flags().IntVar(&emUnits, "units", 1, "units required")
	emergencyCmd.Flags().StringVar(&emSeverity, "severity", "high", "severity (low|medium|high|critical)")
	_ = emergencyCmd.MarkFlagRequired("hospital")
	rootCmd.AddCommand(emergencyCmd)
}

func injectEmergency(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"hospital_id":    emHospital,
		"blood_type":     emType,
		"units_required": emUnits,
		"severity":       emSeverity,
	})
	if err != nil {
		return err
	}

	addr := cfg.API.Addr
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post("http://"+addr+"/api/emergencies", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post emergency: %w", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("intake refused (%d): %s", resp.StatusCode, out)
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	return nil
}
