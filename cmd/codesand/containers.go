package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codesand/codesand/internal/backend"
	"github.com/codesand/codesand/internal/config"
	"github.com/codesand/codesand/internal/provision"
)

var snapshotFlag string

var containersCmd = &cobra.Command{
	Use:     "containers",
	Aliases: []string{"container", "c"},
	Short:   "Provision and reset the container pool",
}

var containersMakeCmd = &cobra.Command{
	Use:   "make <amount> [start]",
	Short: "Clone the base container into new pool members",
	Long: `Clone the base container into <amount> new containers named
<prefix><start> onwards and append them to the container list.

No container is made if any of the target names already exists. When adding
to an existing set, pass the index after your last container as start.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runContainersMake,
}

var containersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start every listed container",
	Args:  cobra.NoArgs,
	RunE:  runContainersStart,
}

var containersRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore every listed container to its snapshot",
	Args:  cobra.NoArgs,
	RunE:  runContainersRestore,
}

var containersSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take the clean snapshot on every listed container",
	Args:  cobra.NoArgs,
	RunE:  runContainersSnapshot,
}

var containersStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the runtime status of every listed container",
	Args:  cobra.NoArgs,
	RunE:  runContainersStatus,
}

func init() {
	rootCmd.AddCommand(containersCmd)
	containersCmd.AddCommand(containersMakeCmd, containersStartCmd, containersRestoreCmd, containersSnapshotCmd, containersStatusCmd)

	for _, c := range []*cobra.Command{containersRestoreCmd, containersSnapshotCmd} {
		c.Flags().StringVar(&snapshotFlag, "snapshot", "", "Snapshot name (default: runtime.snapshot)")
	}
}

func openProvisioner() (*config.Config, *provision.Provisioner, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	b, err := backend.New(cfg.BackendOptions())
	if err != nil {
		return nil, nil, err
	}
	return cfg, provision.New(b), nil
}

func snapshotName(cfg *config.Config) string {
	if snapshotFlag != "" {
		return snapshotFlag
	}
	return cfg.Runtime.Snapshot
}

func runContainersMake(cmd *cobra.Command, args []string) error {
	amount, err := strconv.Atoi(args[0])
	if err != nil || amount < 1 {
		return fmt.Errorf("amount must be a positive number, got %q", args[0])
	}
	start := 0
	if len(args) > 1 {
		start, err = strconv.Atoi(args[1])
		if err != nil || start < 0 {
			return fmt.Errorf("start must be zero or more, got %q", args[1])
		}
	}

	cfg, p, err := openProvisioner()
	if err != nil {
		return err
	}
	names := provision.Names(cfg.Containers.Prefix, amount, start)
	made, err := p.Make(cmd.Context(), cfg.Containers.Base, names, cfg.Containers.ListFile)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s and appended to %s\n", strings.Join(made, ", "), cfg.Containers.ListFile)
	return nil
}

func runContainersStart(cmd *cobra.Command, args []string) error {
	cfg, p, err := openProvisioner()
	if err != nil {
		return err
	}
	names, err := cfg.ContainerNames()
	if err != nil {
		return err
	}
	return p.StartAll(cmd.Context(), names)
}

func runContainersRestore(cmd *cobra.Command, args []string) error {
	cfg, p, err := openProvisioner()
	if err != nil {
		return err
	}
	names, err := cfg.ContainerNames()
	if err != nil {
		return err
	}
	return p.RestoreAll(cmd.Context(), names, snapshotName(cfg))
}

func runContainersSnapshot(cmd *cobra.Command, args []string) error {
	cfg, p, err := openProvisioner()
	if err != nil {
		return err
	}
	names, err := cfg.ContainerNames()
	if err != nil {
		return err
	}
	return p.SnapshotAll(cmd.Context(), names, snapshotName(cfg))
}

func runContainersStatus(cmd *cobra.Command, args []string) error {
	cfg, p, err := openProvisioner()
	if err != nil {
		return err
	}
	names, err := cfg.ContainerNames()
	if err != nil {
		return err
	}

	fmt.Printf("%-20s %s\n", "NAME", "STATUS")
	fmt.Println(strings.Repeat("─", 40))
	for _, st := range p.Statuses(cmd.Context(), names) {
		status := string(st.Status)
		if st.Err != nil {
			status = "error: " + st.Err.Error()
		}
		fmt.Printf("%-20s %s\n", st.Name, status)
	}
	return nil
}
