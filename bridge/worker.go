package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/quailyquaily/wabridge/identity"
	"github.com/quailyquaily/wabridge/internal/fsstore"
	"github.com/quailyquaily/wabridge/pipeline"
	"github.com/quailyquaily/wabridge/reasoner"
)

const chatQueueCap = 16

type dispatchJob struct {
	Chat         identity.ChatIdentity
	Message      pipeline.Message
	WorkspaceRef string
	Version      uint64
}

type dispatchResult struct {
	Chat    identity.ChatIdentity
	Version uint64
	Result  reasoner.Result
}

// chatWorkers runs one serial worker goroutine per chat, so replies for a
// chat come back in ingest order while chats stay independent of each
// other.
type chatWorkers struct {
	ctx     context.Context
	worker  reasoner.Worker
	results chan dispatchResult
	queues  map[string]chan dispatchJob
}

func newChatWorkers(ctx context.Context, worker reasoner.Worker) *chatWorkers {
	return &chatWorkers{
		ctx:     ctx,
		worker:  worker,
		results: make(chan dispatchResult, chatQueueCap*4),
		queues:  make(map[string]chan dispatchJob),
	}
}

// enqueue hands a job to the chat's worker, starting it on first use.
// Returns false when the queue is full or the runtime is shutting down; the
// caller replays the message next cycle.
func (w *chatWorkers) enqueue(job dispatchJob) bool {
	jobs, ok := w.queues[job.Chat.CanonicalID]
	if !ok {
		jobs = make(chan dispatchJob, chatQueueCap)
		w.queues[job.Chat.CanonicalID] = jobs
		go w.run(jobs)
	}
	select {
	case jobs <- job:
		return true
	case <-w.ctx.Done():
		return false
	default:
		return false
	}
}

func (w *chatWorkers) run(jobs <-chan dispatchJob) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := w.worker.Dispatch(w.ctx, job.WorkspaceRef, promptFor(job))
			select {
			case w.results <- dispatchResult{Chat: job.Chat, Version: job.Version, Result: res}:
			case <-w.ctx.Done():
				return
			}
		}
	}
}

func promptFor(job dispatchJob) string {
	m := job.Message
	prompt := m.Content
	if m.Type != pipeline.TypeText {
		prompt = "[" + string(m.Type) + " message received]"
	}
	for _, path := range saveMedia(job.WorkspaceRef, m) {
		prompt += "\nFile: @" + path
	}
	return prompt
}

// saveMedia writes captured blobs into the workspace so the worker CLI can
// read them by path. A blob that fails to write is dropped from the prompt.
func saveMedia(workspaceRef string, m pipeline.Message) []string {
	if len(m.Media) == 0 || workspaceRef == "" {
		return nil
	}
	dir := filepath.Join(workspaceRef, "media")
	if err := fsstore.EnsureDir(dir, 0); err != nil {
		return nil
	}
	var paths []string
	for i, blob := range m.Media {
		path := filepath.Join(dir, fmt.Sprintf("%d_%d%s", m.Timestamp.UnixMilli(), i, mediaExt(blob)))
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func mediaExt(blob []byte) string {
	switch http.DetectContentType(blob) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	case "application/ogg":
		return ".ogg"
	}
	return ".bin"
}
