package cli

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/run"
)

var (
	runKeywords    []string
	runDescription string
	runStyle       string
)

var runCmd = &cobra.Command{
	Use:   "run <file>...",
	Short: "Carry files through the whole pipeline",
	Long: `Create a run from local image files and drive it through every stage:
upload, processing, generation and quality finalization. The audit log is
printed as the run progresses. Ctrl-C cancels the run after the current
stage call returns.

Examples:
  contentpipe run board.png
  contentpipe run a.png b.png --keywords "puzzle,mobile" --description "new game"
  contentpipe run poster.jpg --style vintage`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runKeywords, "keywords", "k", nil, "keywords describing the content")
	runCmd.Flags().StringVarP(&runDescription, "description", "d", "", "free-text description")
	runCmd.Flags().StringVarP(&runStyle, "style", "s", "", "poster style (default: service default)")
}

func runRun(cmd *cobra.Command, args []string) error {
	materials, err := readMaterials(args)
	if err != nil {
		return err
	}
	materials.Keywords = cleanKeywords(runKeywords)
	materials.Description = strings.TrimSpace(runDescription)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		for _, id := range a.store.Active() {
			if err := a.orch.Cancel(context.Background(), id); err != nil {
				logger.Warn("cancel failed", "run_id", id, "error", err)
			}
		}
	}()

	if report, err := a.doctor.Get(ctx); err == nil && !report.AllOK {
		fmt.Fprintf(os.Stderr, "warning: services down: %s\n", strings.Join(report.Down(), ", "))
	}

	final, err := a.orch.Execute(context.WithoutCancel(ctx), materials, runStyle)
	if err != nil {
		return err
	}

	printRun(final)

	if final.Stage != run.Finalized {
		t := final.Terminal
		if t != nil && t.Cancelled {
			return fmt.Errorf("run %s cancelled", final.ID)
		}
		if t != nil {
			return fmt.Errorf("run %s failed at %s: %s", final.ID, t.FailedStep, t.Reason)
		}
		return fmt.Errorf("run %s stopped at %s", final.ID, final.Stage)
	}
	return nil
}

func readMaterials(paths []string) (run.Materials, error) {
	files := make([]run.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return run.Materials{}, fmt.Errorf("read %s: %w", p, err)
		}
		contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		files = append(files, run.File{
			Name:        filepath.Base(p),
			ContentType: contentType,
			Size:        len(data),
			Data:        data,
		})
	}
	return run.Materials{Files: files}, nil
}

func cleanKeywords(raw []string) []string {
	out := []string{}
	for _, k := range raw {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func printRun(r *run.PipelineRun) {
	fmt.Printf("Run %s\n\n", r.ID)
	for _, e := range r.AuditLog {
		fmt.Printf("  %3d  %-8s %s\n", e.Seq, e.Severity, e.Message)
	}
	fmt.Println()

	t := r.Terminal
	if t == nil || r.Stage != run.Finalized {
		fmt.Printf("Stage: %s\n", r.Stage)
		return
	}
	fmt.Printf("Caption:  %s\n", t.Caption)
	fmt.Printf("Hashtags: %s\n", strings.Join(t.Hashtags, " "))
	fmt.Printf("Quality:  %.2f\n", t.QualityScore)
	if t.ArtifactURL != "" {
		fmt.Printf("Artifact: %s\n", t.ArtifactURL)
	}
}
