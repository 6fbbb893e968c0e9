package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensocto/sensocto-go/internal/gateway"
)

var nodeAddr string

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Administer a running Sensocto node",
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runNodeStatus(nodeAddr))
	},
}

var nodeDrainCmd = &cobra.Command{
	Use:   "drain [on|off]",
	Short: "Toggle drain mode (refuses new connector joins)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		on := true
		if len(args) == 1 {
			switch strings.ToLower(args[0]) {
			case "on", "true":
				on = true
			case "off", "false":
				on = false
			default:
				fmt.Fprintf(os.Stderr, "Error: drain takes \"on\" or \"off\", got %q\n", args[0])
				os.Exit(exitUsage)
			}
		}
		os.Exit(runNodeDrain(nodeAddr, on))
	},
}

var nodeShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Drain the node and shut it down gracefully",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runNodeShutdown(nodeAddr))
	},
}

func init() {
	nodeCmd.PersistentFlags().StringVar(&nodeAddr, "addr", "http://localhost:7070", "base URL of the node admin API")
	nodeCmd.AddCommand(nodeStatusCmd)
	nodeCmd.AddCommand(nodeDrainCmd)
	nodeCmd.AddCommand(nodeShutdownCmd)
}

var adminClient = &http.Client{Timeout: 10 * time.Second}

func runNodeStatus(addr string) int {
	resp, err := adminClient.Get(adminURL(addr, "/api/status"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach node: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: node returned %s\n", resp.Status)
		return exitProtocol
	}

	var st gateway.NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad status response: %v\n", err)
		return exitProtocol
	}

	fmt.Printf("Node:       %s\n", st.Node)
	fmt.Printf("Uptime:     %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("Draining:   %v\n", st.Draining)
	fmt.Printf("Sensors:    %d\n", st.ActiveSensors)
	fmt.Printf("Rooms:      %d\n", st.ActiveRooms)
	fmt.Printf("Connectors: %d\n", st.Connectors)
	fmt.Printf("Observers:  %d\n", st.Observers)
	if len(st.AttentionLevels) > 0 {
		levels := make([]string, 0, len(st.AttentionLevels))
		for level, count := range st.AttentionLevels {
			levels = append(levels, fmt.Sprintf("%s=%d", level, count))
		}
		sort.Strings(levels)
		fmt.Printf("Attention:  %s\n", strings.Join(levels, " "))
	}
	if st.Load != nil {
		fmt.Printf("Load:       %s (pressure %.2f)\n", st.Load.Level, st.Load.Pressure)
	}
	return exitOK
}

func runNodeDrain(addr string, on bool) int {
	body, _ := json.Marshal(map[string]bool{"draining": on})
	resp, err := adminClient.Post(adminURL(addr, "/api/drain"), "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach node: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: node returned %s\n", resp.Status)
		return exitProtocol
	}
	if on {
		fmt.Println("Node is draining, new connector joins will be refused")
	} else {
		fmt.Println("Node is accepting connector joins")
	}
	return exitOK
}

func runNodeShutdown(addr string) int {
	resp, err := adminClient.Post(adminURL(addr, "/api/shutdown"), "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach node: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: node returned %s\n", resp.Status)
		return exitProtocol
	}
	fmt.Println("Shutdown requested")
	return exitOK
}

func adminURL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}
