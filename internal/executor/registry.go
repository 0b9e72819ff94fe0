package executor

import (
	"mediaflow/internal/config"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/llm"
	"mediaflow/internal/search"
	"mediaflow/internal/similar"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// Deps collects the collaborators the executors share. Nil Indexer means
// search is disabled; everything else is required.
type Deps struct {
	Store       *store.Store
	Config      *config.Config
	Generator   llm.Generator
	Similar     similar.Provider
	Indexer     search.Indexer
	Downloader  Downloader
	Prober      Prober
	Transcriber Transcriber
	Analyzer    Analyzer
}

// RegisterAll binds an executor to every task kind. The registry is static;
// this is the single place the kind -> executor mapping lives.
func RegisterAll(d *dispatch.Dispatcher, deps Deps) {
	outputs := deps.Config.OutputsDir()
	media := deps.Config.MediaDir()

	artifactOf := func(taskID int64) (string, error) {
		t, err := deps.Store.GetTask(taskID)
		if err != nil {
			return "", err
		}
		if t.ArtifactPath != "" {
			return t.ArtifactPath, nil
		}
		// Rows migrated from before the artifact_path column kept the path
		// in result_summary.
		return t.ResultSummary, nil
	}

	d.Register(task.KindShell, &Shell{OutputsDir: outputs})
	d.Register(task.KindLLM, &LLM{Generator: deps.Generator, OutputsDir: outputs})
	d.Register(task.KindCode, &Code{Generator: deps.Generator, OutputsDir: outputs})
	d.Register(task.KindReview, &Review{Generator: deps.Generator, OutputsDir: outputs, ArtifactOf: artifactOf})
	d.Register(task.KindRunCode, &RunCode{ArtifactOf: artifactOf, OutputsDir: outputs})
	d.Register(task.KindPlanner, &Planner{Store: deps.Store, Generator: deps.Generator, Similar: deps.Similar})
	d.Register(task.KindBatch, NewBatch(deps.Store))
	d.Register(task.KindTool, &Tool{OutputsDir: outputs})

	download := &MediaDownload{Downloader: deps.Downloader, MediaDir: media}
	d.Register(task.KindMediaDownload, download)
	d.Register(task.KindYoutube, download)

	d.Register(task.KindMediaIngest, &MediaIngest{Prober: deps.Prober, OutputsDir: outputs})
	d.Register(task.KindMediaOrganize, &MediaOrganize{MediaDir: media})
	d.Register(task.KindMediaTranscribe, &MediaTranscribe{Transcriber: deps.Transcriber, OutputsDir: outputs})
	d.Register(task.KindMediaTag, &MediaTag{Generator: deps.Generator, OutputsDir: outputs})
	d.Register(task.KindIndexMeili, &IndexDoc{Indexer: deps.Indexer, Index: deps.Config.Search.Index})
	d.Register(task.KindIndexChroma, &IndexDoc{Indexer: deps.Indexer, Index: deps.Config.Search.Index + "_vectors"})
	d.Register(task.KindMediaSummarize, &MediaSummarize{
		Generator: deps.Generator, Indexer: deps.Indexer,
		Index: deps.Config.Search.Index, OutputsDir: outputs,
	})
	d.Register(task.KindMediaRecommend, &MediaRecommend{Similar: deps.Similar, OutputsDir: outputs})

	analyze := &MediaAnalyze{Analyzer: deps.Analyzer, OutputsDir: outputs}
	d.Register(task.KindVideoSceneDetect, analyze)
	d.Register(task.KindVideoObjectDetect, analyze)
	d.Register(task.KindAudioAnalyze, analyze)
}
