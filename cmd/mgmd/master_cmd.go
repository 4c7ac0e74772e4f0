package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var adminAddr string

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Send an operator-invoked role transition to a running mgmd",
}

var masterPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote this node to master-rw",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postRole("master-rw")
	},
}

var masterDemoteCmd = &cobra.Command{
	Use:   "demote",
	Short: "Demote this node to slave-ro",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postRole("slave-ro")
	},
}

func init() {
	masterCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "localhost:8081", "address of the target mgmd's admin API")
	masterCmd.AddCommand(masterPromoteCmd)
	masterCmd.AddCommand(masterDemoteCmd)
}

// postRole drives the role transition through the admin API rather
// than reconstructing a local Controller: the running process already
// owns the lock-file and peer state a promotion must account for, and
// this command only needs to tell it what the operator decided (spec
// §4.5's explicit-promotion model, no automatic election).
func postRole(role string) error {
	body, err := json.Marshal(map[string]string{"role": role})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/status/master/role", adminAddr)
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contacting %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mgmd rejected role change: %s: %s", resp.Status, msg)
	}
	fmt.Printf("role set to %s\n", role)
	return nil
}
