package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediaflow/internal/llm"
	"mediaflow/internal/logging"
	"mediaflow/internal/search"
	"mediaflow/internal/similar"
	"mediaflow/internal/task"
)

// MediaDownload fetches a URL with the downloader and chains a media_ingest
// follow-up. The follow-up draft rides in the result so the task loop inserts
// it in the transaction that completes this task. The youtube kind is an
// alias registered to the same executor.
type MediaDownload struct {
	Downloader Downloader
	MediaDir   string
}

func (e *MediaDownload) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if t.URL == "" {
		return task.ExecutionResult{Success: false, Error: "download task has no url"}, nil
	}

	path, err := e.Downloader.Download(ctx, t.URL, e.MediaDir)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	return task.ExecutionResult{
		Success:       true,
		ResultSummary: path,
		FilePath:      path,
		FollowUps: []task.Draft{{
			Kind:     task.KindMediaIngest,
			FilePath: path,
			MediaID:  t.MediaID,
		}},
	}, nil
}

// MediaIngest probes the file, stores the metadata artifact, and chains
// media_transcribe.
type MediaIngest struct {
	Prober     Prober
	OutputsDir string
}

func (e *MediaIngest) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if t.FilePath == "" {
		return task.ExecutionResult{Success: false, Error: "ingest task has no file"}, nil
	}
	if _, err := os.Stat(t.FilePath); err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("media file not found: %s", t.FilePath)}, nil
	}

	metadata, err := e.Prober.Probe(ctx, t.FilePath)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, err := writeArtifact(e.OutputsDir, t.ID, "json", []byte(metadata))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to store metadata: %v", err)}, nil
	}

	return task.ExecutionResult{
		Success:       true,
		ResultSummary: fmt.Sprintf("ingested %s", filepath.Base(t.FilePath)),
		OutputPath:    artifact,
		FilePath:      t.FilePath,
		FollowUps: []task.Draft{{
			Kind:     task.KindMediaTranscribe,
			FilePath: t.FilePath,
			MediaID:  t.MediaID,
		}},
	}, nil
}

// MediaOrganize files media into <media>/<ext> subdirectories.
type MediaOrganize struct {
	MediaDir string
}

func (e *MediaOrganize) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if t.FilePath == "" {
		return task.ExecutionResult{Success: false, Error: "organize task has no file"}, nil
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(t.FilePath)), ".")
	if ext == "" {
		ext = "misc"
	}
	destDir := filepath.Join(e.MediaDir, ext)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	dest := filepath.Join(destDir, filepath.Base(t.FilePath))
	if dest != t.FilePath {
		if err := os.Rename(t.FilePath, dest); err != nil {
			return task.ExecutionResult{Success: false, Error: fmt.Sprintf("organize failed: %v", err)}, nil
		}
	}
	return task.ExecutionResult{Success: true, ResultSummary: dest, FilePath: dest}, nil
}

// MediaTranscribe produces the transcript artifact and chains media_tag.
type MediaTranscribe struct {
	Transcriber Transcriber
	OutputsDir  string
}

func (e *MediaTranscribe) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if t.FilePath == "" {
		return task.ExecutionResult{Success: false, Error: "transcribe task has no file"}, nil
	}

	transcript, err := e.Transcriber.Transcribe(ctx, t.FilePath)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, err := writeArtifact(e.OutputsDir, t.ID, "txt", []byte(transcript))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to store transcript: %v", err)}, nil
	}

	return task.ExecutionResult{
		Success:       true,
		ResultSummary: fmt.Sprintf("transcribed %s (%d chars)", filepath.Base(t.FilePath), len(transcript)),
		OutputPath:    artifact,
		FilePath:      t.FilePath,
		FollowUps: []task.Draft{{
			Kind:     task.KindMediaTag,
			FilePath: artifact,
			MediaID:  t.MediaID,
		}},
	}, nil
}

const tagPrompt = `Suggest up to 8 short topic tags for this transcript.
Respond with only a JSON array of strings.

Transcript:
%s`

// MediaTag derives topic tags from a transcript via the LLM and chains
// index_meili so the tagged media becomes searchable.
type MediaTag struct {
	Generator  llm.Generator
	OutputsDir string
}

func (e *MediaTag) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	transcript, failure := readInputArtifact(t, "tag")
	if failure != nil {
		return *failure, nil
	}

	response, err := e.Generator.Generate(ctx, fmt.Sprintf(tagPrompt, truncate(transcript, 8000)))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	tags, err := parseTags(response)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, _ := writeArtifact(e.OutputsDir, t.ID, "json", mustJSON(tags))
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: strings.Join(tags, ", "),
		OutputPath:    artifact,
		FollowUps: []task.Draft{{
			Kind:     task.KindIndexMeili,
			FilePath: artifact,
			MediaID:  t.MediaID,
		}},
	}, nil
}

func parseTags(response string) ([]string, error) {
	s := strings.TrimSpace(response)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("tag response contains no JSON array")
	}
	var tags []string
	if err := json.Unmarshal([]byte(s[start:end+1]), &tags); err != nil {
		return nil, fmt.Errorf("unparseable tag response: %v", err)
	}
	return tags, nil
}

// IndexDoc pushes the task's input artifact into the configured search index.
// Registered for both index_meili and index_chroma with different index
// names. A nil Indexer (search disabled) completes as a no-op.
type IndexDoc struct {
	Indexer search.Indexer
	Index   string
}

func (e *IndexDoc) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if e.Indexer == nil {
		return task.ExecutionResult{Success: true, ResultSummary: "search index disabled, skipped"}, nil
	}

	content, failure := readInputArtifact(t, "index")
	if failure != nil {
		return *failure, nil
	}

	doc := map[string]interface{}{
		"id":       t.ID,
		"media_id": t.MediaID,
		"path":     t.FilePath,
		"content":  truncate(content, 20000),
	}
	if err := e.Indexer.IndexDocument(ctx, e.Index, doc); err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	return task.ExecutionResult{Success: true, ResultSummary: fmt.Sprintf("indexed into %s", e.Index)}, nil
}

const summarizePrompt = `Summarize this transcript in at most 5 sentences.

Transcript:
%s`

// MediaSummarize writes an LLM summary of the transcript. The summary is also
// pushed to the search index when one is configured; an indexing failure is
// logged, not fatal.
type MediaSummarize struct {
	Generator  llm.Generator
	Indexer    search.Indexer
	Index      string
	OutputsDir string
}

func (e *MediaSummarize) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	transcript, failure := readInputArtifact(t, "summarize")
	if failure != nil {
		return *failure, nil
	}

	summary, err := e.Generator.Generate(ctx, fmt.Sprintf(summarizePrompt, truncate(transcript, 12000)))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, err := writeArtifact(e.OutputsDir, t.ID, "txt", []byte(summary))
	if err != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to store summary: %v", err)}, nil
	}

	if e.Indexer != nil {
		doc := map[string]interface{}{"id": t.ID, "media_id": t.MediaID, "summary": summary}
		if err := e.Indexer.IndexDocument(ctx, e.Index, doc); err != nil {
			logging.Get(logging.CategoryMedia).Warn("Task %d: summary indexing failed: %v", t.ID, err)
		}
	}

	return task.ExecutionResult{
		Success:       true,
		ResultSummary: truncate(strings.TrimSpace(summary), summaryLimit),
		OutputPath:    artifact,
	}, nil
}

// MediaRecommend lists completed tasks most similar to this task's
// description, as a lightweight "more like this" report.
type MediaRecommend struct {
	Similar    similar.Provider
	OutputsDir string
}

func (e *MediaRecommend) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if t.Description == "" {
		return task.ExecutionResult{Success: false, Error: "recommend task has no description"}, nil
	}

	matches, err := e.Similar.FindSimilar(ctx, t.Description, 10)
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, _ := writeArtifact(e.OutputsDir, t.ID, "json", mustJSON(matches))
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: fmt.Sprintf("%d recommendations", len(matches)),
		OutputPath:    artifact,
	}, nil
}

// MediaAnalyze wraps the analyzer for the scene/object/audio kinds; which
// inspection runs is chosen by the task kind.
type MediaAnalyze struct {
	Analyzer   Analyzer
	OutputsDir string
}

func (e *MediaAnalyze) Execute(ctx context.Context, t *task.Task) (task.ExecutionResult, error) {
	if t.FilePath == "" {
		return task.ExecutionResult{Success: false, Error: "analyze task has no file"}, nil
	}

	var report string
	var err error
	switch t.Kind {
	case task.KindVideoSceneDetect:
		report, err = e.Analyzer.SceneDetect(ctx, t.FilePath)
	case task.KindVideoObjectDetect:
		report, err = e.Analyzer.ObjectDetect(ctx, t.FilePath)
	case task.KindAudioAnalyze:
		report, err = e.Analyzer.AudioAnalyze(ctx, t.FilePath)
	default:
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("analyze executor cannot handle kind %s", t.Kind)}, nil
	}
	if err != nil {
		return task.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	artifact, werr := writeArtifact(e.OutputsDir, t.ID, "json", []byte(report))
	if werr != nil {
		return task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to store report: %v", werr)}, nil
	}
	return task.ExecutionResult{
		Success:       true,
		ResultSummary: fmt.Sprintf("%s report for %s", t.Kind, filepath.Base(t.FilePath)),
		OutputPath:    artifact,
	}, nil
}

// readInputArtifact loads the text input of a media stage from file_path. A
// missing or unreadable file comes back as a ready-made failure result.
func readInputArtifact(t *task.Task, stage string) (string, *task.ExecutionResult) {
	if t.FilePath == "" {
		return "", &task.ExecutionResult{Success: false, Error: fmt.Sprintf("%s task has no input file", stage)}
	}
	data, err := os.ReadFile(t.FilePath)
	if err != nil {
		return "", &task.ExecutionResult{Success: false, Error: fmt.Sprintf("failed to read %s: %v", t.FilePath, err)}
	}
	return string(data), nil
}
