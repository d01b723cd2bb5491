package main

import (
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"iot-sim-gateway/internal/config"
)

func newFleetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fleet",
		Short: "Print the resolved device fleet as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := marshalFleet(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// marshalFleet renders the fleet in the same shape the devices config section accepts,
// so the output can be pasted back into config.yaml.
func marshalFleet(c *config.Config) ([]byte, error) {
	fleet := c.Fleet()
	devices := make([]config.DeviceConfig, 0, len(fleet))
	for _, d := range fleet {
		devices = append(devices, config.DeviceConfig{
			ID:         d.ID,
			Type:       string(d.Kind),
			Name:       d.Name,
			Threshold:  d.Alert.Threshold,
			SpeedLimit: d.Alert.SpeedLimit,
			Meta:       d.Meta,
		})
	}
	return yaml.Marshal(map[string]interface{}{"devices": devices})
}
