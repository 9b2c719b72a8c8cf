package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SpireTech/bifrost/internal/broker"
	"github.com/SpireTech/bifrost/internal/engine/execution"
	"github.com/SpireTech/bifrost/internal/log"
	"github.com/SpireTech/bifrost/internal/store"
)

var (
	wfOrg     string
	wfName    string
	wfCode    string
	wfTimeout time.Duration

	submitOrg     string
	submitParams  []string
	submitTimeout time.Duration
	submitScript  string
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions",
}

func init() {
	createCmd := &cobra.Command{
		Use:   "create <workflow-id>",
		Short: "Create or replace a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowCreate,
	}
	createCmd.Flags().StringVar(&wfOrg, "org", "", "owning organization (empty for global)")
	createCmd.Flags().StringVar(&wfName, "name", "", "display name")
	createCmd.Flags().StringVar(&wfCode, "code", "", "path to the workflow source file")
	createCmd.Flags().DurationVar(&wfTimeout, "timeout", 0, "default execution timeout (0 uses the engine default)")
	_ = createCmd.MarkFlagRequired("code")
	workflowCmd.AddCommand(createCmd)

	submitCmd := &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Enqueue an execution request",
		Long:  `Enqueues an execution request on the broker queue. With --script, the argument is ignored and the given source file runs as a standalone script instead.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWorkflowSubmit,
	}
	submitCmd.Flags().StringVar(&submitOrg, "org", "", "caller organization")
	submitCmd.Flags().StringArrayVar(&submitParams, "param", nil, "parameter as key=json-value (repeatable)")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "timeout override (0 uses the workflow default)")
	submitCmd.Flags().StringVar(&submitScript, "script", "", "path to a standalone script to run instead of a workflow")
	workflowCmd.AddCommand(submitCmd)

	importCmd := &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Import workflow definitions from a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowImport,
	}
	workflowCmd.AddCommand(importCmd)

	rootCmd.AddCommand(workflowCmd)
}

func runWorkflowImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.InitWithWriter(os.Stderr)
	log.SetMinLevel(log.LevelWarn)

	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	wfs, err := store.LoadManifest(os.DirFS(filepath.Dir(abs)), filepath.Base(abs))
	if err != nil {
		return err
	}

	db, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	for _, wf := range wfs {
		if err := db.PutWorkflow(cmd.Context(), wf); err != nil {
			return fmt.Errorf("saving workflow %s: %w", wf.ID, err)
		}
	}
	fmt.Printf("imported %d workflows\n", len(wfs))
	return nil
}

func runWorkflowCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.InitWithWriter(os.Stderr)
	log.SetMinLevel(log.LevelWarn)

	code, err := os.ReadFile(wfCode)
	if err != nil {
		return fmt.Errorf("reading workflow source: %w", err)
	}

	db, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	name := wfName
	if name == "" {
		name = args[0]
	}
	wf := &store.Workflow{
		ID:             args[0],
		OrganizationID: wfOrg,
		Name:           name,
		Code:           string(code),
		DefaultTimeout: wfTimeout,
	}
	if err := db.PutWorkflow(cmd.Context(), wf); err != nil {
		return err
	}
	fmt.Printf("workflow %s saved\n", wf.ID)
	return nil
}

func runWorkflowSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.InitWithWriter(os.Stderr)
	log.SetMinLevel(log.LevelWarn)

	req := execution.Request{
		ExecutionID: uuid.NewString(),
		CallerOrgID: submitOrg,
		EnqueuedAt:  time.Now().UTC(),
	}
	if submitTimeout > 0 {
		secs := int(submitTimeout / time.Second)
		req.TimeoutSeconds = &secs
	}

	if submitScript != "" {
		code, err := os.ReadFile(submitScript)
		if err != nil {
			return fmt.Errorf("reading script: %w", err)
		}
		req.IsScript = true
		req.CodeRef = string(code)
	} else {
		if len(args) == 0 {
			return fmt.Errorf("workflow id or --script is required")
		}
		req.WorkflowID = args[0]
	}

	req.Params = make(map[string]any, len(submitParams))
	for _, p := range submitParams {
		key, raw, ok := splitParam(p)
		if !ok {
			return fmt.Errorf("invalid --param %q, want key=value", p)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			// Bare strings are accepted without quoting.
			val = raw
		}
		req.Params[key] = val
	}
	if err := req.Validate(); err != nil {
		return err
	}

	queue, err := broker.NewRedis(ctx, broker.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.QueueKey,
	})
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := queue.Enqueue(ctx, payload); err != nil {
		return err
	}
	fmt.Printf("execution %s enqueued\n", req.ExecutionID)
	return nil
}

func splitParam(p string) (key, value string, ok bool) {
	for i := 0; i < len(p); i++ {
		if p[i] == '=' {
			return p[:i], p[i+1:], i > 0
		}
	}
	return "", "", false
}
