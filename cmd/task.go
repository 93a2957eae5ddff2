package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/streamrt/internal/command"
	"firestige.xyz/streamrt/internal/config"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks on the running daemon",
	Long: `Manage tasks on the streamrt daemon.

Subcommands:
  create  - create a new task from a job config file
  delete  - delete a running task
  list    - list all tasks
  status  - show one task's or every task's status
  checkpoint-complete - ack a downstream checkpoint, truncating the in-flight log
  force-fail-consumer - drill a downstream failure, arming the recovery FSM
  recovery-state       - dump a task's RecoveryManager FSM state`,
}

var taskCreateFile string

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task from a job config file (YAML)",
	Run: func(cmd *cobra.Command, args []string) {
		runTaskCreate()
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a running task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskDelete(args[0])
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Run: func(cmd *cobra.Command, args []string) {
		runTaskList()
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var taskID string
		if len(args) > 0 {
			taskID = args[0]
		}
		runTaskStatus(taskID)
	},
}

var checkpointNum uint32

var taskCheckpointCmd = &cobra.Command{
	Use:   "checkpoint-complete <task-id>",
	Short: "Ack a downstream checkpoint, truncating the output in-flight log",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCheckpointComplete(args[0], checkpointNum)
	},
}

var failReason string

var taskForceFailCmd = &cobra.Command{
	Use:   "force-fail-consumer <task-id>",
	Short: "Drill a downstream-failed trigger against a task (testing/recovery drills)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runForceFailConsumer(args[0], failReason)
	},
}

var taskRecoveryStateCmd = &cobra.Command{
	Use:   "recovery-state <task-id>",
	Short: "Dump a task's RecoveryManager FSM state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runRecoveryState(args[0])
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd, taskDeleteCmd, taskListCmd, taskStatusCmd,
		taskCheckpointCmd, taskForceFailCmd, taskRecoveryStateCmd)

	taskCreateCmd.Flags().StringVarP(&taskCreateFile, "file", "f", "", "job config file (YAML) (required)")
	taskCreateCmd.MarkFlagRequired("file")

	taskCheckpointCmd.Flags().Uint32VarP(&checkpointNum, "num-buffers", "n", 0, "number of buffers acknowledged")
	taskForceFailCmd.Flags().StringVarP(&failReason, "reason", "r", "operator-drill", "failure reason recorded in the task log")
}

func runTaskCreate() {
	jc, err := config.LoadJob(taskCreateFile)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to load job file %s", taskCreateFile), err)
	}

	client := command.NewUDSClient(socketPath, 30*time.Second)
	ctx := context.Background()

	fmt.Printf("creating task %s...\n", jc.ID)
	resp, err := client.TaskCreate(ctx, command.TaskCreateParams{Config: jc})
	if err != nil {
		exitWithError("failed to send task_create", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_create failed: %s", resp.Error.Message), nil)
	}
	fmt.Printf("task %s created.\n", jc.ID)
}

func runTaskDelete(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskDelete(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send task_delete", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_delete failed: %s", resp.Error.Message), nil)
	}
	fmt.Printf("task %s deleted.\n", taskID)
}

func runTaskList() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskList(context.Background())
	if err != nil {
		exitWithError("failed to send task_list", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_list failed: %s", resp.Error.Message), nil)
	}
	printJSON(resp.Result)
}

func runTaskStatus(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskStatus(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send task_status", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_status failed: %s", resp.Error.Message), nil)
	}
	printJSON(resp.Result)
}

func runCheckpointComplete(taskID string, n uint32) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.CheckpointComplete(context.Background(), taskID, n)
	if err != nil {
		exitWithError("failed to send checkpoint_complete", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("checkpoint_complete failed: %s", resp.Error.Message), nil)
	}
	fmt.Printf("task %s: checkpoint acked, %d buffers truncated.\n", taskID, n)
}

func runForceFailConsumer(taskID, reason string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.ForceFailConsumer(context.Background(), taskID, reason)
	if err != nil {
		exitWithError("failed to send force_fail_consumer", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("force_fail_consumer failed: %s", resp.Error.Message), nil)
	}
	fmt.Printf("task %s: downstream-failed trigger sent.\n", taskID)
}

func runRecoveryState(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.RecoveryState(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send recovery_state", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("recovery_state failed: %s", resp.Error.Message), nil)
	}
	printJSON(resp.Result)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(out))
}
