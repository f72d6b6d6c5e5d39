package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/casterlab/addon_distributor/internal/bundle"
	"github.com/casterlab/addon_distributor/internal/logctx"
	"github.com/casterlab/addon_distributor/internal/telemetry"
)

// UpdateState describes where one artifact stands in its distribution
// lifecycle.
type UpdateState string

const (
	// StateUnknown means the item was never compared against local content.
	StateUnknown UpdateState = "unknown"
	// StateUpdated means the artifact is present and verified locally.
	StateUpdated UpdateState = "updated"
	// StateOutdated means the artifact must be distributed.
	StateOutdated UpdateState = "outdated"
	// StateUpdateFailed means distribution ran and did not succeed.
	StateUpdateFailed UpdateState = "failed"
	// StateMissSourceFiles means the artifact has no usable sources.
	StateMissSourceFiles UpdateState = "miss_source_files"
)

// Item drives the distribution of a single artifact: try each candidate
// source in server order, verify the archive hash, unpack into the target
// directory. The first source that completes all steps wins.
type Item struct {
	factory   *Factory
	telemetry *telemetry.Telemetry

	unzipDir          string
	downloadDir       string
	checksum          string
	checksumAlgorithm string
	sources           []bundle.Source
	data              ItemData
	label             string

	mu               sync.Mutex
	state            UpdateState
	needDistribution bool
	started          bool
	usedSource       bundle.Source
	progresses       []*SourceProgress
	errorMsg         string
	errorDetail      string
}

// ItemConfig carries everything needed to construct an Item.
type ItemConfig struct {
	Factory   *Factory
	Telemetry *telemetry.Telemetry

	// UnzipDir is the final target directory of the unpacked artifact.
	UnzipDir string
	// DownloadDir is where archives are staged before unpacking.
	DownloadDir string

	Checksum          string
	ChecksumAlgorithm string
	Sources           []bundle.Source
	Data              ItemData
	Label             string

	// State is the initial state decided by comparing server metadata with
	// local content.
	State UpdateState
}

// NewItem creates an item in its initial state. NeedDistribution is derived
// from the state: only outdated items have work to do.
func NewItem(cfg ItemConfig) *Item {
	return &Item{
		factory:           cfg.Factory,
		telemetry:         cfg.Telemetry,
		unzipDir:          cfg.UnzipDir,
		downloadDir:       cfg.DownloadDir,
		checksum:          cfg.Checksum,
		checksumAlgorithm: cfg.ChecksumAlgorithm,
		sources:           cfg.Sources,
		data:              cfg.Data,
		label:             cfg.Label,
		state:             cfg.State,
		needDistribution:  cfg.State == StateOutdated,
	}
}

// State returns the current lifecycle state.
func (i *Item) State() UpdateState {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.state
}

// NeedDistribution reports whether the item required distribution when it was
// constructed. It does not change after a run.
func (i *Item) NeedDistribution() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.needDistribution
}

// Label returns the human readable name of the artifact.
func (i *Item) Label() string {
	return i.label
}

// UnzipDir returns the target directory of the unpacked artifact.
func (i *Item) UnzipDir() string {
	return i.unzipDir
}

// Data returns the artifact identity.
func (i *Item) Data() ItemData {
	return i.data
}

// UsedSource returns the source that produced the artifact, nil until one
// attempt succeeds.
func (i *Item) UsedSource() bundle.Source {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.usedSource
}

// CurrentSourceProgress returns the progress of the attempt in flight, nil
// when none started yet.
func (i *Item) CurrentSourceProgress() *SourceProgress {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.progresses) == 0 {
		return nil
	}

	return i.progresses[len(i.progresses)-1]
}

// UsedSourceProgress returns the progress of the attempt that succeeded, nil
// while no attempt succeeded.
func (i *Item) UsedSourceProgress() *SourceProgress {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.usedSource == nil {
		return nil
	}

	return i.progresses[len(i.progresses)-1]
}

// ErrorMessage returns the user facing failure summary, empty on success.
func (i *Item) ErrorMessage() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.errorMsg
}

// ErrorDetail returns extended failure information such as a stack trace.
func (i *Item) ErrorDetail() string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.errorDetail
}

// Distribute runs the full distribution of this item. It is idempotent: only
// the first call does work, later calls return immediately. Items that do not
// need distribution are left untouched.
func (i *Item) Distribute(ctx context.Context) {
	i.mu.Lock()
	if i.started || !i.needDistribution || i.state != StateOutdated {
		i.mu.Unlock()

		return
	}

	i.started = true
	i.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("item", i.label)
	started := time.Now()

	i.telemetry.IncrementActiveDistributions()

	defer func() {
		if r := recover(); r != nil {
			i.setFailure(
				fmt.Sprintf("distribution of %q failed unexpectedly", i.label),
				fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
			)
			logger.Error("distribution panicked", "panic", r)
		}

		i.mu.Lock()
		if i.state == StateOutdated {
			i.state = StateUpdateFailed
			if i.errorMsg == "" {
				i.errorMsg = "distribution failed"
			}
		}
		state := i.state
		i.mu.Unlock()

		if state != StateUpdated {
			if err := os.RemoveAll(i.unzipDir); err != nil {
				logger.Warn("failed to clean up target directory", "dir", i.unzipDir, "error", err)
			}
		}

		i.telemetry.DecrementActiveDistributions()
		i.telemetry.RecordDistribution(i.data.Kind, string(state), time.Since(started))
	}()

	i.distribute(ctx, logger)
}

func (i *Item) distribute(ctx context.Context, logger *slog.Logger) {
	if len(i.sources) == 0 {
		i.mu.Lock()
		i.state = StateMissSourceFiles
		i.errorMsg = fmt.Sprintf("%q does not have any sources to download from", i.label)
		i.mu.Unlock()

		logger.Error("no sources to distribute from")

		return
	}

	// Remove leftovers of a previous interrupted run before unpacking into
	// the target directory.
	if err := os.RemoveAll(i.unzipDir); err != nil {
		i.setFailure(fmt.Sprintf("failed to clean target directory %q", i.unzipDir), err.Error())

		return
	}

	for idx, src := range i.sources {
		sourceType := string(src.SourceType())
		attemptLogger := logger.With("source_type", sourceType, "attempt", idx+1)

		if i.trySource(ctx, attemptLogger, src) {
			i.mu.Lock()
			i.state = StateUpdated
			i.usedSource = src
			i.mu.Unlock()

			i.telemetry.RecordSourceAttempt(sourceType, "success")
			attemptLogger.Info("artifact distributed", "dir", i.unzipDir)

			return
		}

		i.telemetry.RecordSourceAttempt(sourceType, "failure")
	}

	i.setFailure("failed to receive or install source files", "")
	logger.Error("all sources exhausted")
}

// trySource runs one full attempt: download, hash check, unpack, downloader
// cleanup. Any step failing voids the attempt and the next source is tried.
func (i *Item) trySource(ctx context.Context, logger *slog.Logger, src bundle.Source) bool {
	progress := NewSourceProgress()

	i.mu.Lock()
	i.progresses = append(i.progresses, progress)
	i.mu.Unlock()

	progress.SetStarted()

	downloader, err := i.factory.Get(src.SourceType())
	if err != nil {
		progress.SetFailed(err.Error())
		logger.Warn("skipping source", "error", err)

		return false
	}

	defer func() {
		if err := downloader.Cleanup(src, i.downloadDir, i.data); err != nil {
			logger.Warn("source cleanup failed", "error", err)
		}
	}()

	archivePath, err := downloader.Download(ctx, src, i.downloadDir, i.data, progress.Transfer())
	if err != nil {
		progress.SetFailed(err.Error())
		logger.Warn("download failed", "error", err)

		return false
	}

	i.telemetry.AddDownloadBytes(progress.Transfer().Transferred())

	progress.SetHashCheckStarted()

	if err := CheckHash(archivePath, i.checksum, i.checksumAlgorithm); err != nil {
		progress.SetFailed(err.Error())
		logger.Warn("hash check failed", "error", err)

		return false
	}

	progress.SetHashCheckFinished()
	progress.SetUnzipStarted()

	if err := Unzip(archivePath, i.unzipDir); err != nil {
		progress.SetFailed(err.Error())
		logger.Warn("unpack failed", "error", err)

		if rmErr := os.RemoveAll(i.unzipDir); rmErr != nil {
			logger.Warn("failed to clean target directory", "error", rmErr)
		}

		return false
	}

	progress.SetUnzipFinished()

	return true
}

func (i *Item) setFailure(msg, detail string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = StateUpdateFailed
	if i.errorMsg == "" {
		i.errorMsg = msg
	}

	if detail != "" {
		i.errorDetail = detail
	}
}
