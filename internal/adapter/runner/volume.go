package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"go.uber.org/zap"
)

const (
	defaultCompressCommand = "tar"
	outputSuffix           = "_compressed"
)

var defaultCompressArgs = []string{"-czf", "{output}.tar.gz", "-C", "{folder}", "{name}"}

// VolumeCompression drains a cooperative compression task through the folder claim
// protocol. Every node assigned to the task runs it; the reconciler completes the task.
type VolumeCompression struct {
	self      *domain.Node
	claimer   *service.FolderClaimer
	processes port.ProcessRunner
	outputDir string
	log       *zap.Logger
}

func NewVolumeCompression(self *domain.Node, claimer *service.FolderClaimer, processes port.ProcessRunner, outputDir string, log *zap.Logger) *VolumeCompression {
	return &VolumeCompression{
		self:      self,
		claimer:   claimer,
		processes: processes,
		outputDir: outputDir,
		log:       log.With(zap.String("runner", string(domain.TaskTypeVolumeCompression))),
	}
}

func (r *VolumeCompression) Type() domain.TaskType { return domain.TaskTypeVolumeCompression }

func (r *VolumeCompression) Execute(ctx context.Context, task *domain.Task, progress port.ProgressSink) (port.RunResult, error) {
	var params domain.VolumeCompressionParams
	if err := task.DecodeParameters(&params); err != nil {
		return port.RunResult{}, fmt.Errorf("decode parameters: %w", err)
	}
	if len(params.Directories) == 0 {
		return port.RunResult{}, errors.New("parameters: at least one directory is required")
	}

	if _, err := r.claimer.EnsureScanned(ctx, task.ID, params.Directories, params.Extensions); err != nil {
		return port.RunResult{}, fmt.Errorf("pre-scan: %w", err)
	}
	rows, err := r.claimer.Folders(ctx, task.ID)
	if err != nil {
		return port.RunResult{}, fmt.Errorf("list folders: %w", err)
	}
	if len(rows) == 0 {
		// nothing for the reconciler to wait on
		return port.RunResult{}, fmt.Errorf("no folders under %s contain files matching %s",
			strings.Join(params.Directories, ", "), describeExtensions(params.Extensions))
	}

	work := func(ctx context.Context, folder *domain.TaskFolderProgress, report func(float64)) (string, error) {
		return r.compressFolder(ctx, params, folder, report)
	}

	summary, err := r.claimer.Run(ctx, task.ID, r.self, work)
	if err != nil {
		return port.RunResult{}, err
	}

	msg := fmt.Sprintf("node %s processed %d folders (%d failed)", r.self.Name, summary.Completed+summary.Failed, summary.Failed)
	progress(1, msg)
	return port.RunResult{Message: msg, Deferred: true}, nil
}

// compressFolder runs the compression command once per matching file in folder
func (r *VolumeCompression) compressFolder(ctx context.Context, params domain.VolumeCompressionParams, folder *domain.TaskFolderProgress, report func(float64)) (string, error) {
	files, err := folderFiles(folder.FolderPath, params.Extensions)
	if err != nil {
		return "", err
	}

	outDir := params.OutputDirectory
	if outDir == "" {
		outDir = r.outputDir
	}
	if outDir == "" {
		outDir = folder.FolderPath + outputSuffix
	} else {
		outDir = filepath.Join(outDir, folder.FolderName)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	command, args := params.Command, params.Args
	if command == "" {
		command, args = defaultCompressCommand, defaultCompressArgs
	}

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := filepath.Base(file)
		vars := map[string]string{
			"{input}":  file,
			"{folder}": folder.FolderPath,
			"{name}":   name,
			"{output}": filepath.Join(outDir, name),
		}
		_, err := r.processes.Run(ctx, port.ProcessSpec{
			Owner:   r.self.ID,
			Name:    "compress " + name,
			Command: command,
			Args:    expand(args, vars),
			Dir:     folder.FolderPath,
		})
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		report(float64(i+1) / float64(len(files)))
	}

	r.log.Debug("Folder compressed", zap.String("folder", folder.FolderPath), zap.Int("files", len(files)))
	return outDir, nil
}

func describeExtensions(extensions []string) string {
	if len(extensions) == 0 {
		return "any extension"
	}
	return strings.Join(domain.NormalizeExtensions(extensions), ", ")
}

// folderFiles lists the files directly inside dir that match extensions
func folderFiles(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	wanted := domain.NormalizeExtensions(extensions)

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !domain.MatchesExtension(e.Name(), wanted) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)
	return files, nil
}
