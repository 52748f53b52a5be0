package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/paddock-io/paddock/pkg/api"
	"github.com/paddock-io/paddock/pkg/client"
	"github.com/paddock-io/paddock/pkg/instance"
)

var serverURL string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Paddock API address")

	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(autoStopCmd)
	rootCmd.AddCommand(healthCmd)
}

func apiClient() *client.Client {
	return client.NewClient(serverURL)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute)
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Manage GPU instances",
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		status, _ := cmd.Flags().GetString("status")

		ctx, cancel := cmdContext()
		defer cancel()
		result, err := apiClient().ListInstances(ctx, source, status)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE ID\tNAME\tSTATUS\tREGION\tUPSTREAM ID")
		for _, inst := range result.Instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				inst.InstanceID, inst.Name, inst.Status, inst.Config.Region, inst.UpstreamID)
		}
		w.Flush()
		fmt.Printf("\n%d local, %d upstream-only\n", result.Counters.Local, result.Counters.Upstream)
		return nil
	},
}

var instancesGetCmd = &cobra.Command{
	Use:   "get INSTANCE_ID",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		inst, err := apiClient().GetInstance(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Instance:  %s (%s)\n", inst.InstanceID, inst.Name)
		fmt.Printf("Status:    %s\n", inst.Status)
		fmt.Printf("Upstream:  %s\n", inst.UpstreamID)
		fmt.Printf("Region:    %s\n", inst.Config.Region)
		if inst.Connection != nil {
			for _, ep := range inst.Connection.Endpoints {
				fmt.Printf("Endpoint:  %s (%s %d)\n", ep.Endpoint, ep.Type, ep.Port)
			}
		}
		if inst.LastError != "" {
			fmt.Printf("Last err:  %s\n", inst.LastError)
		}
		return nil
	},
}

var instancesCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		product, _ := cmd.Flags().GetString("product")
		template, _ := cmd.Flags().GetString("template")
		region, _ := cmd.Flags().GetString("region")
		gpus, _ := cmd.Flags().GetInt("gpus")
		webhookURL, _ := cmd.Flags().GetString("webhook-url")

		ctx, cancel := cmdContext()
		defer cancel()
		resp, err := apiClient().CreateInstance(ctx, instance.CreateRequest{
			Name:        args[0],
			ProductName: product,
			TemplateID:  template,
			Region:      region,
			GPUNum:      gpus,
			WebhookURL:  webhookURL,
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Instance %s created\n", resp.InstanceID)
		fmt.Printf("  Upstream:   %s\n", resp.UpstreamID)
		fmt.Printf("  Region:     %s\n", resp.Region)
		fmt.Printf("  Spot price: $%.4f/h\n", resp.SpotPrice)
		return nil
	},
}

var instancesStartCmd = &cobra.Command{
	Use:   "start INSTANCE",
	Short: "Start a stopped or exited instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		resp, err := apiClient().StartInstance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Start accepted, operation %s\n", resp.OperationID)
		return nil
	},
}

var instancesStopCmd = &cobra.Command{
	Use:   "stop INSTANCE",
	Short: "Stop a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		resp, err := apiClient().StopInstance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Instance %s is %s\n", resp.InstanceID, resp.Status)
		return nil
	},
}

var instancesDeleteCmd = &cobra.Command{
	Use:   "delete INSTANCE_ID",
	Short: "Terminate an instance and remove its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		if err := apiClient().DeleteInstance(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Instance %s deleted\n", args[0])
		return nil
	},
}

var instancesTouchCmd = &cobra.Command{
	Use:   "touch INSTANCE_ID",
	Short: "Record activity on an instance to defer auto-stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		if err := apiClient().TouchInstance(ctx, args[0], time.Time{}); err != nil {
			return err
		}
		fmt.Printf("✓ Activity recorded on %s\n", args[0])
		return nil
	},
}

func init() {
	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesGetCmd)
	instancesCmd.AddCommand(instancesCreateCmd)
	instancesCmd.AddCommand(instancesStartCmd)
	instancesCmd.AddCommand(instancesStopCmd)
	instancesCmd.AddCommand(instancesDeleteCmd)
	instancesCmd.AddCommand(instancesTouchCmd)

	instancesListCmd.Flags().String("source", "", "Listing source: local, upstream or all")
	instancesListCmd.Flags().String("status", "", "Filter by status")

	instancesCreateCmd.Flags().String("product", "", "GPU product name, e.g. \"RTX 4090 24GB\"")
	instancesCreateCmd.Flags().String("template", "", "Template ID")
	instancesCreateCmd.Flags().String("region", "", "Preferred region code")
	instancesCreateCmd.Flags().Int("gpus", 1, "Number of GPUs")
	instancesCreateCmd.Flags().String("webhook-url", "", "Webhook URL for lifecycle notifications")
	instancesCreateCmd.MarkFlagRequired("product")
	instancesCreateCmd.MarkFlagRequired("template")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local records with upstream now",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx, cancel := cmdContext()
		defer cancel()
		report, err := apiClient().TriggerSync(ctx, api.SyncRequest{DryRun: dryRun})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Sync complete: %d seen, %d created, %d updated, %d obsolete\n",
			report.Total, report.Created, report.Updated,
			report.ObsoleteMarked+report.ObsoleteRemoved)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Trigger a spot migration sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx, cancel := cmdContext()
		defer cancel()
		resp, err := apiClient().TriggerMigration(ctx, dryRun)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Migration sweep enqueued as job %s\n", resp.JobID)
		return nil
	},
}

var autoStopCmd = &cobra.Command{
	Use:   "auto-stop",
	Short: "Trigger an idle-instance auto-stop pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx, cancel := cmdContext()
		defer cancel()
		resp, err := apiClient().TriggerAutoStop(ctx, dryRun)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Auto-stop pass enqueued as job %s\n", resp.JobID)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		resp, err := apiClient().Health(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Status: %s\n", resp.Status)
		for name, state := range resp.Services {
			fmt.Printf("  %-10s %s\n", name, state)
		}
		if resp.Sync != nil {
			fmt.Printf("Last sync: %s (%d instances)\n",
				resp.Sync.CompletedAt.Format(time.RFC3339), resp.Sync.Total)
		}
		if resp.Migration != nil {
			fmt.Printf("Last sweep: %d processed, %d migrated, %d errors\n",
				resp.Migration.TotalProcessed, resp.Migration.Migrated, resp.Migration.Errors)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	migrateCmd.Flags().Bool("dry-run", false, "Report eligible instances without migrating")
	autoStopCmd.Flags().Bool("dry-run", false, "Report idle instances without stopping")
}

