package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/cobra"

	"github.com/sagehq/sage/internal/app"
	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/knowledge"
)

// maxIngestFileSize skips files too large to embed sensibly.
const maxIngestFileSize = 5 << 20

// defaultIngestExtensions are the file types indexed when --ext is not given.
var defaultIngestExtensions = []string{
	".md", ".txt", ".rst", ".go", ".py", ".js", ".ts", ".json", ".yaml", ".yml",
}

var (
	ingestConversation string
	ingestProject      string
	ingestExtensions   []string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Index a file or directory into the knowledge base",
	Long: `Ingest chunks, embeds, and stores documents for scoped semantic
search. Directories are walked recursively; .gitignore rules and hidden
directories are skipped. Re-ingesting unchanged content is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context(), args[0])
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestConversation, "conversation", "", "conversation UUID to link sources to")
	ingestCmd.Flags().StringVar(&ingestProject, "project", "", "project UUID to link sources to")
	ingestCmd.Flags().StringSliceVar(&ingestExtensions, "ext", nil, "file extensions to index (default: common text and code types)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, path string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var conversationID, projectID *uuid.UUID
	if ingestConversation != "" {
		id, err := uuid.Parse(ingestConversation)
		if err != nil {
			return fmt.Errorf("invalid --conversation: %w", err)
		}
		conversationID = &id
	}
	if ingestProject != "" {
		id, err := uuid.Parse(ingestProject)
		if err != nil {
			return fmt.Errorf("invalid --project: %w", err)
		}
		projectID = &id
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var files []string
	if info.IsDir() {
		files, err = collectFiles(path, extensionSet())
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}
	} else {
		files = []string{path}
	}
	if len(files) == 0 {
		fmt.Println("nothing to ingest")
		return nil
	}

	var created, existing int
	for _, file := range files {
		sourceID, isNew, err := ingestFile(ctx, a.Knowledge, file)
		if err != nil {
			logger.Error("ingest failed", "file", file, "error", err)
			return fmt.Errorf("ingesting %s: %w", file, err)
		}
		if isNew {
			created++
		} else {
			existing++
		}
		if conversationID != nil {
			if err := a.Knowledge.LinkConversation(ctx, *conversationID, nil, sourceID); err != nil {
				return fmt.Errorf("linking %s to conversation: %w", file, err)
			}
		}
		if projectID != nil {
			if err := a.Knowledge.LinkProject(ctx, *projectID, sourceID); err != nil {
				return fmt.Errorf("linking %s to project: %w", file, err)
			}
		}
	}

	fmt.Printf("ingested %d files (%d new, %d already indexed)\n", len(files), created, existing)
	return nil
}

func ingestFile(ctx context.Context, store *knowledge.Store, path string) (uuid.UUID, bool, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's CLI argument
	if err != nil {
		return uuid.Nil, false, err
	}
	return store.IngestDocument(ctx, knowledge.SourceTypeFile, filepath.Base(path), string(content), map[string]any{
		"path": path,
	})
}

func extensionSet() map[string]bool {
	exts := ingestExtensions
	if len(exts) == 0 {
		exts = defaultIngestExtensions
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[strings.ToLower(e)] = true
	}
	return set
}

// collectFiles walks root, honoring .gitignore and skipping hidden
// directories and oversized files.
func collectFiles(root string, exts map[string]bool) ([]string, error) {
	var matcher *ignore.GitIgnore
	if gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		matcher = gi
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel != "." && (strings.HasPrefix(d.Name(), ".") || (matcher != nil && matcher.MatchesPath(rel))) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			return nil
		}
		if !exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		if info.Size() > maxIngestFileSize {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}
