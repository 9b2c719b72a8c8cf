package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SpireTech/bifrost/internal/broker"
	"github.com/SpireTech/bifrost/internal/engine/admin"
	"github.com/SpireTech/bifrost/internal/engine/breaker"
	"github.com/SpireTech/bifrost/internal/kv"
	"github.com/SpireTech/bifrost/internal/log"
	"github.com/SpireTech/bifrost/internal/store"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands against a running platform",
}

var (
	adminReason string
	adminAll    bool
	adminLimit  int
	adminWindow time.Duration
)

func init() {
	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "List live worker daemons",
		RunE:  runAdminWorkers,
	}

	workerShowCmd := &cobra.Command{
		Use:   "worker <worker-id>",
		Short: "Show one worker daemon's full snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminWorker,
	}

	recycleCmd := &cobra.Command{
		Use:   "recycle <worker-id> <pid>",
		Short: "Recycle one worker process",
		Args:  cobra.ExactArgs(2),
		RunE:  runAdminRecycle,
	}
	recycleCmd.Flags().StringVar(&adminReason, "reason", "", "reason recorded with the command")

	shutdownCmd := &cobra.Command{
		Use:   "shutdown <worker-id>",
		Short: "Ask a worker daemon to drain and exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminShutdown,
	}
	shutdownCmd.Flags().StringVar(&adminReason, "reason", "", "reason recorded with the command")

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Show queue depth and pending requests",
		RunE:  runAdminQueue,
	}
	queueCmd.Flags().IntVar(&adminLimit, "limit", 20, "max requests to show")

	blacklistCmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage the workflow blacklist",
	}
	blacklistListCmd := &cobra.Command{
		Use:   "list",
		Short: "List blacklist entries",
		RunE:  runAdminBlacklistList,
	}
	blacklistListCmd.Flags().BoolVar(&adminAll, "all", false, "include removed entries")
	blacklistAddCmd := &cobra.Command{
		Use:   "add <workflow-id>",
		Short: "Blacklist a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminBlacklistAdd,
	}
	blacklistAddCmd.Flags().StringVar(&adminReason, "reason", "", "reason recorded on the entry")
	blacklistRemoveCmd := &cobra.Command{
		Use:   "remove <workflow-id>",
		Short: "Remove a workflow from the blacklist",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminBlacklistRemove,
	}
	blacklistCmd.AddCommand(blacklistListCmd, blacklistAddCmd, blacklistRemoveCmd)

	stuckCmd := &cobra.Command{
		Use:   "stuck",
		Short: "Show stuck declarations per workflow",
		RunE:  runAdminStuck,
	}
	stuckCmd.Flags().DurationVar(&adminWindow, "window", time.Hour, "aggregation window")

	executionCmd := &cobra.Command{
		Use:   "execution <execution-id>",
		Short: "Show an execution's terminal record and logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminExecution,
	}

	adminCmd.AddCommand(workersCmd, workerShowCmd, recycleCmd, shutdownCmd, queueCmd,
		blacklistCmd, stuckCmd, executionCmd)
	rootCmd.AddCommand(adminCmd)
}

// adminService connects the CLI to the shared platform state. The returned
// cleanup closes every connection.
func adminService(ctx context.Context) (*admin.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log.InitWithWriter(os.Stderr)
	log.SetMinLevel(log.LevelWarn)

	kvs, err := kv.NewRedis(ctx, kv.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, nil, err
	}
	queue, err := broker.NewRedis(ctx, broker.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.QueueKey,
	})
	if err != nil {
		_ = kvs.Close()
		return nil, nil, err
	}
	db, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		_ = queue.Close()
		_ = kvs.Close()
		return nil, nil, err
	}

	brk := breaker.New(kvs, db, breaker.Config{
		Threshold: cfg.Engine.StuckThreshold,
		Window:    time.Duration(cfg.Engine.StuckWindowMinutes) * time.Minute,
	})

	cleanup := func() {
		_ = db.Close()
		_ = queue.Close()
		_ = kvs.Close()
	}
	return admin.NewService(kvs, queue, brk, db), cleanup, nil
}

func requestedBy() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

func runAdminWorkers(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	workers, err := svc.ListWorkers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("no live workers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tHOST\tSTARTED\tHEARTBEAT\tPROCS\tINFLIGHT\tQUEUE")
	for _, info := range workers {
		procs, inflight, depth := "-", "-", "-"
		if hb := info.Heartbeat; hb != nil {
			procs = fmt.Sprintf("%d", len(hb.Processes))
			inflight = fmt.Sprintf("%d", hb.Inflight)
			depth = fmt.Sprintf("%d", hb.QueueDepth)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			info.WorkerID, info.Hostname, info.StartedAt, info.HeartbeatAt,
			procs, inflight, depth)
	}
	return w.Flush()
}

func runAdminWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := svc.GetWorker(ctx, args[0])
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func runAdminRecycle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pid, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[1], err)
	}

	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.RecycleProcess(ctx, args[0], pid, adminReason, requestedBy()); err != nil {
		return err
	}
	fmt.Printf("recycle command sent to %s for pid %d\n", args[0], pid)
	return nil
}

func runAdminShutdown(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.ShutdownWorker(ctx, args[0], adminReason, requestedBy()); err != nil {
		return err
	}
	fmt.Printf("shutdown command sent to %s\n", args[0])
	return nil
}

func runAdminQueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	depth, err := svc.QueueDepth(ctx)
	if err != nil {
		return err
	}
	pending, err := svc.PendingExecutions(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("queued: %d, admitted (not yet terminal): %d\n", depth, len(pending))

	reqs, err := svc.ListQueue(ctx, adminLimit)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tWORKFLOW\tORG\tENQUEUED")
	for _, req := range reqs {
		wf := req.WorkflowID
		if req.IsScript {
			wf = "(script)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			req.ExecutionID, wf, req.OrganizationID, req.EnqueuedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAdminBlacklistList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := svc.ListBlacklist(ctx, adminAll)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("blacklist is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tREASON\tADDED BY\tADDED AT\tSTATUS")
	for _, e := range entries {
		status := "active"
		if e.Removed {
			status = "removed by " + e.RemovedBy
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.WorkflowID, e.Reason, e.AddedBy, e.AddedAt.Format(time.RFC3339), status)
	}
	return w.Flush()
}

func runAdminBlacklistAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	entry, err := svc.BlacklistWorkflow(ctx, args[0], adminReason, requestedBy())
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s blacklisted (reason: %s)\n", entry.WorkflowID, entry.Reason)
	return nil
}

func runAdminBlacklistRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.UnblacklistWorkflow(ctx, args[0], requestedBy()); err != nil {
		return err
	}
	fmt.Printf("workflow %s removed from blacklist\n", args[0])
	return nil
}

func runAdminStuck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	counts, err := svc.StuckHistory(ctx, adminWindow)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Printf("no stuck declarations in the last %s\n", adminWindow)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tNAME\tSTUCK\tLAST")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.WorkflowID, c.Name, c.Count, c.LastAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAdminExecution(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, cleanup, err := adminService(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, logs, err := svc.GetExecution(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("execution:  %s\n", rec.ExecutionID)
	fmt.Printf("workflow:   %s\n", rec.WorkflowID)
	fmt.Printf("status:     %s\n", rec.Status)
	if rec.ErrorType != "" {
		fmt.Printf("error:      %s: %s\n", rec.ErrorType, rec.ErrorMessage)
	}
	fmt.Printf("started:    %s\n", rec.StartedAt.Format(time.RFC3339))
	fmt.Printf("finished:   %s (%dms)\n", rec.FinishedAt.Format(time.RFC3339), rec.DurationMS)
	if len(logs) > 0 {
		fmt.Println("logs:")
		for _, line := range logs {
			fmt.Printf("  [%s] %s\n", line.Level, line.Message)
		}
	}
	return nil
}
