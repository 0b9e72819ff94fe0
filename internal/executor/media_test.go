package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mediaflow/internal/task"
)

type fakeMedia struct {
	downloadPath string
	probeOut     string
	transcript   string
	err          error
}

func (f *fakeMedia) Download(ctx context.Context, url, destDir string) (string, error) {
	return f.downloadPath, f.err
}
func (f *fakeMedia) Probe(ctx context.Context, path string) (string, error) {
	return f.probeOut, f.err
}
func (f *fakeMedia) Transcribe(ctx context.Context, path string) (string, error) {
	return f.transcript, f.err
}

func TestMediaDownloadChainsIngest(t *testing.T) {
	fake := &fakeMedia{downloadPath: "/media/video.mp4"}
	e := &MediaDownload{Downloader: fake, MediaDir: t.TempDir()}

	res, _ := e.Execute(context.Background(), &task.Task{ID: 1, Kind: task.KindMediaDownload, URL: "https://example.test/v"})
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if res.FilePath != "/media/video.mp4" {
		t.Fatalf("FilePath = %q", res.FilePath)
	}
	if len(res.FollowUps) != 1 || res.FollowUps[0].Kind != task.KindMediaIngest {
		t.Fatalf("FollowUps = %+v", res.FollowUps)
	}
	if res.FollowUps[0].FilePath != "/media/video.mp4" {
		t.Fatalf("follow-up file = %q", res.FollowUps[0].FilePath)
	}
}

func TestMediaDownloadFailure(t *testing.T) {
	e := &MediaDownload{Downloader: &fakeMedia{err: errors.New("HTTP Error 429")}, MediaDir: t.TempDir()}

	res, _ := e.Execute(context.Background(), &task.Task{ID: 2, Kind: task.KindMediaDownload, URL: "https://example.test/v"})
	if res.Success {
		t.Fatal("download error must fail")
	}
	if len(res.FollowUps) != 0 {
		t.Fatal("failed download must not chain follow-ups")
	}
}

func TestMediaIngestChainsTranscribe(t *testing.T) {
	file := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := &MediaIngest{Prober: &fakeMedia{probeOut: `{"format":{}}`}, OutputsDir: t.TempDir()}
	res, _ := e.Execute(context.Background(), &task.Task{ID: 3, Kind: task.KindMediaIngest, FilePath: file})
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if len(res.FollowUps) != 1 || res.FollowUps[0].Kind != task.KindMediaTranscribe {
		t.Fatalf("FollowUps = %+v", res.FollowUps)
	}
	if res.OutputPath == "" {
		t.Fatal("metadata artifact missing")
	}
}

func TestMediaIngestMissingFile(t *testing.T) {
	e := &MediaIngest{Prober: &fakeMedia{}, OutputsDir: t.TempDir()}
	res, _ := e.Execute(context.Background(), &task.Task{ID: 4, Kind: task.KindMediaIngest, FilePath: "/nope/missing.mp4"})
	if res.Success {
		t.Fatal("missing file must fail")
	}
	if !strings.Contains(res.Error, "not found") {
		t.Fatalf("Error = %q", res.Error)
	}
}

func TestMediaTranscribeChainsTag(t *testing.T) {
	out := t.TempDir()
	e := &MediaTranscribe{Transcriber: &fakeMedia{transcript: "hello world"}, OutputsDir: out}

	res, _ := e.Execute(context.Background(), &task.Task{ID: 5, Kind: task.KindMediaTranscribe, FilePath: "/media/clip.mp4"})
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if len(res.FollowUps) != 1 || res.FollowUps[0].Kind != task.KindMediaTag {
		t.Fatalf("FollowUps = %+v", res.FollowUps)
	}
	// The tag stage consumes the transcript artifact, not the media file.
	data, err := os.ReadFile(res.FollowUps[0].FilePath)
	if err != nil || string(data) != "hello world" {
		t.Fatalf("transcript artifact: %q %v", data, err)
	}
}

func TestMediaTagParsesTags(t *testing.T) {
	transcript := filepath.Join(t.TempDir(), "t.txt")
	os.WriteFile(transcript, []byte("a talk about go and sqlite"), 0644)

	gen := &fakeGenerator{response: `["go", "sqlite", "databases"]`}
	e := &MediaTag{Generator: gen, OutputsDir: t.TempDir()}

	res, _ := e.Execute(context.Background(), &task.Task{ID: 6, Kind: task.KindMediaTag, FilePath: transcript})
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if res.ResultSummary != "go, sqlite, databases" {
		t.Fatalf("ResultSummary = %q", res.ResultSummary)
	}
	if len(res.FollowUps) != 1 || res.FollowUps[0].Kind != task.KindIndexMeili {
		t.Fatalf("FollowUps = %+v", res.FollowUps)
	}
}

type fakeIndexer struct {
	docs  []map[string]interface{}
	index string
	err   error
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, index string, doc map[string]interface{}) error {
	f.index = index
	f.docs = append(f.docs, doc)
	return f.err
}

func TestIndexDocDisabledIsNoOp(t *testing.T) {
	e := &IndexDoc{Indexer: nil, Index: "media"}
	res, _ := e.Execute(context.Background(), &task.Task{ID: 7, Kind: task.KindIndexMeili})
	if !res.Success {
		t.Fatalf("disabled indexer must succeed: %s", res.Error)
	}
}

func TestIndexDocPushesDocument(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "tags.json")
	os.WriteFile(artifact, []byte(`["go"]`), 0644)

	idx := &fakeIndexer{}
	e := &IndexDoc{Indexer: idx, Index: "media"}
	res, _ := e.Execute(context.Background(), &task.Task{ID: 8, Kind: task.KindIndexMeili, FilePath: artifact, MediaID: "m1"})
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	if idx.index != "media" || len(idx.docs) != 1 || idx.docs[0]["media_id"] != "m1" {
		t.Fatalf("indexed: %q %+v", idx.index, idx.docs)
	}
}

func TestMediaSummarizeIndexFailureNonFatal(t *testing.T) {
	transcript := filepath.Join(t.TempDir(), "t.txt")
	os.WriteFile(transcript, []byte("long talk"), 0644)

	e := &MediaSummarize{
		Generator:  &fakeGenerator{response: "A short talk."},
		Indexer:    &fakeIndexer{err: errors.New("index_not_found")},
		Index:      "media",
		OutputsDir: t.TempDir(),
	}
	res, _ := e.Execute(context.Background(), &task.Task{ID: 9, Kind: task.KindMediaSummarize, FilePath: transcript})
	if !res.Success {
		t.Fatalf("indexing failure must not fail summarize: %s", res.Error)
	}
	if res.ResultSummary != "A short talk." {
		t.Fatalf("ResultSummary = %q", res.ResultSummary)
	}
}

func TestMediaOrganizeByExtension(t *testing.T) {
	mediaDir := t.TempDir()
	src := filepath.Join(t.TempDir(), "clip.MP4")
	os.WriteFile(src, []byte("x"), 0644)

	e := &MediaOrganize{MediaDir: mediaDir}
	res, _ := e.Execute(context.Background(), &task.Task{ID: 10, Kind: task.KindMediaOrganize, FilePath: src})
	if !res.Success {
		t.Fatalf("failed: %s", res.Error)
	}
	want := filepath.Join(mediaDir, "mp4", "clip.MP4")
	if res.FilePath != want {
		t.Fatalf("FilePath = %q, want %q", res.FilePath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("moved file missing: %v", err)
	}
}
