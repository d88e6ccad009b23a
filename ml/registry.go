package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"digitserve/logging"
)

// TrainingState is the lifecycle stage of the current model.
type TrainingState int32

const (
	StateNotStarted TrainingState = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s TrainingState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	classifierFile = "classifier.json"
	scalerFile     = "scaler.json"
	metadataFile   = "metadata.json"
)

// TrainFunc produces a fully built artifact or fails. It runs on its own
// goroutine and must honor ctx cancellation.
type TrainFunc func(ctx context.Context) (*Artifact, error)

// Registry is the single source of truth for "is a model ready, and which
// one". It owns the live artifact, the persisted copies under dir, and the
// training state machine. Everything else reads the model only through it.
type Registry struct {
	dir   string
	train TrainFunc

	mu       sync.Mutex // guards transitions and done
	state    atomic.Int32
	artifact atomic.Pointer[Artifact]
	done     chan struct{}
	lastErr  error

	subMu       sync.RWMutex
	subscribers []func(TrainingState)
}

func NewRegistry(dir string, train TrainFunc) *Registry {
	return &Registry{dir: dir, train: train}
}

// State returns the live training state. Reads are lock-free.
func (r *Registry) State() TrainingState {
	return TrainingState(r.state.Load())
}

// StatusMessage returns a human-readable description of the current state
// for the status endpoint.
func (r *Registry) StatusMessage() string {
	switch r.State() {
	case StateNotStarted:
		return "model training has not started"
	case StateInProgress:
		return "model is training, retry shortly"
	case StateCompleted:
		return "model is ready"
	case StateFailed:
		r.mu.Lock()
		err := r.lastErr
		r.mu.Unlock()
		if err != nil {
			return fmt.Sprintf("training failed: %v", err)
		}
		return "training failed"
	default:
		return "unknown state"
	}
}

// CurrentArtifact returns the live artifact snapshot, or nil unless the
// state is Completed. Callers must not infer readiness any other way.
func (r *Registry) CurrentArtifact() *Artifact {
	if r.State() != StateCompleted {
		return nil
	}
	return r.artifact.Load()
}

// RequestTraining schedules a background training run unless one is
// already in progress or a model is already available. The unsynchronized
// state check keeps the hot path cheap; the locked re-check guarantees
// exactly one run is scheduled under concurrent callers. Returns true if
// this call scheduled the run.
func (r *Registry) RequestTraining() bool {
	if s := r.State(); s == StateInProgress || s == StateCompleted {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.State(); s == StateInProgress || s == StateCompleted {
		return false
	}
	r.scheduleLocked()
	return true
}

// Retrain schedules a run even when a model is already available
// (Completed -> InProgress). In-flight inference keeps the old snapshot
// until the new artifact is installed. No-op while a run is in progress.
func (r *Registry) Retrain() bool {
	if r.State() == StateInProgress {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == StateInProgress {
		return false
	}
	r.scheduleLocked()
	return true
}

func (r *Registry) scheduleLocked() {
	r.lastErr = nil
	r.setState(StateInProgress)
	done := make(chan struct{})
	r.done = done
	go r.run(done)
}

func (r *Registry) run(done chan struct{}) {
	defer close(done)

	log := logging.L()

	// a panic in the training stack must surface as a failed run, not
	// kill the process from a background goroutine
	defer func() {
		if p := recover(); p != nil {
			log.Errorw("training run panicked", "panic", p)
			r.fail(fmt.Errorf("training panicked: %v", p))
		}
	}()

	log.Infow("training run started")

	artifact, err := r.train(context.Background())
	if err != nil {
		log.Errorw("training run failed", "error", err)
		r.fail(err)
		return
	}
	if err := r.persist(artifact); err != nil {
		// an artifact that cannot be persisted is treated as a failed run
		log.Errorw("artifact persistence failed", "error", err)
		r.fail(err)
		return
	}

	r.artifact.Store(artifact)
	r.setState(StateCompleted)
	log.Infow("training run completed",
		"samples", artifact.Meta.TrainingSamples,
		"accuracy", artifact.Meta.Evaluation.Accuracy)
}

func (r *Registry) fail(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
	r.setState(StateFailed)
}

// Wait blocks until the current training run finishes or ctx expires.
// Returns immediately when no run is active.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a callback invoked on every state transition.
func (r *Registry) Subscribe(fn func(TrainingState)) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()
}

func (r *Registry) setState(s TrainingState) {
	r.state.Store(int32(s))
	r.subMu.RLock()
	subs := make([]func(TrainingState), len(r.subscribers))
	copy(subs, r.subscribers)
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}

// LoadPersisted tries to restore a previously saved artifact from disk.
// On success the artifact is installed and the state flips to Completed.
// Any failure returns false and leaves the state unchanged.
func (r *Registry) LoadPersisted() bool {
	clf := &SoftmaxClassifier{}
	if err := clf.Load(filepath.Join(r.dir, classifierFile)); err != nil {
		logging.L().Infow("no persisted classifier", "dir", r.dir, "error", err)
		return false
	}
	scaler := &Scaler{}
	if err := scaler.Load(filepath.Join(r.dir, scalerFile)); err != nil {
		logging.L().Warnw("classifier present but scaler missing or corrupt", "error", err)
		return false
	}
	if scaler.NumFeatures() != clf.NumFeatures() {
		logging.L().Warnw("persisted scaler and classifier disagree on feature length",
			"scaler", scaler.NumFeatures(), "classifier", clf.NumFeatures())
		return false
	}

	artifact := &Artifact{Classifier: clf, Scaler: scaler}
	// metadata sidecar is optional
	if raw, err := os.ReadFile(filepath.Join(r.dir, metadataFile)); err == nil {
		_ = json.Unmarshal(raw, &artifact.Meta)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State() == StateInProgress {
		return false
	}
	r.artifact.Store(artifact)
	r.setState(StateCompleted)
	logging.L().Infow("loaded persisted model", "dir", r.dir)
	return true
}

// persist writes the artifact files with temp+rename so readers never see
// a partial blob.
func (r *Registry) persist(artifact *Artifact) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	if err := saveAtomic(filepath.Join(r.dir, classifierFile), artifact.Classifier.Save); err != nil {
		return err
	}
	if err := saveAtomic(filepath.Join(r.dir, scalerFile), artifact.Scaler.Save); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(artifact.Meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(r.dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(r.dir, metadataFile))
}

func saveAtomic(path string, save func(string) error) error {
	tmp := path + ".tmp"
	if err := save(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Watch reloads externally dropped artifact files (an operator copying a
// pre-trained model into the models dir) until ctx is cancelled. Events
// are ignored while a training run is in progress; the run's own persist
// path installs its artifact directly.
func (r *Registry) Watch(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				name := filepath.Base(event.Name)
				if name != classifierFile && name != scalerFile {
					continue
				}
				if r.State() == StateInProgress {
					continue
				}
				if r.LoadPersisted() {
					logging.L().Infow("reloaded model after artifact change", "file", name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.L().Warnw("models dir watcher error", "error", err)
			}
		}
	}()
	return nil
}
