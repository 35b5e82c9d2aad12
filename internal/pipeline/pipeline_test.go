package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"toeic-pipeline/internal/domain"
	"toeic-pipeline/internal/rotation"
)

// fakeRotator scripts rotation outcomes for pipeline tests.
type fakeRotator struct {
	mu           sync.Mutex
	failures     int
	successes    int
	resets       int
	exhaustAfter int // report exhausted after this many failures; 0 = never
}

func (f *fakeRotator) ActiveProvider() string { return "google" }

func (f *fakeRotator) Acquire(provider string) (domain.APIKey, string, error) {
	return domain.APIKey{Key: "k1", Label: "main", Enabled: true}, "gemini-2.0-flash", nil
}

func (f *fakeRotator) ReportFailure(provider string, kind domain.FailureKind) (rotation.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	if f.exhaustAfter > 0 && f.failures > f.exhaustAfter {
		return rotation.OutcomeExhausted, nil
	}
	return rotation.OutcomeRotated, nil
}

func (f *fakeRotator) ReportSuccess(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}

func (f *fakeRotator) ResetAttempts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

// fakeClient returns scripted errors then canned output.
type fakeClient struct {
	mu              sync.Mutex
	generateErrs    []error
	transcribeErrs  []error
	generateCalls   int
	transcribeCalls int
}

func (f *fakeClient) Generate(ctx context.Context, key, model, prompt, imagePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	if len(f.generateErrs) > 0 {
		err := f.generateErrs[0]
		f.generateErrs = f.generateErrs[1:]
		return "", err
	}
	return `{"statements":["A","B","C","D"],"answer":"A"}`, nil
}

func (f *fakeClient) Transcribe(ctx context.Context, key, model, audioPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribeCalls++
	if len(f.transcribeErrs) > 0 {
		err := f.transcribeErrs[0]
		f.transcribeErrs = f.transcribeErrs[1:]
		return "", err
	}
	return "transcribed statement", nil
}

func (f *fakeClient) ListModels(ctx context.Context, key string) ([]string, error) {
	return []string{"gemini-2.0-flash"}, nil
}

// fakeExtractor writes the requested number of image files into outputDir.
type fakeExtractor struct {
	images int
	err    error
}

func (f *fakeExtractor) ExtractImages(ctx context.Context, pdfPath, outputDir string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	paths := make([]string, 0, f.images)
	for i := 1; i <= f.images; i++ {
		path := filepath.Join(outputDir, "page-"+string(rune('0'+i))+".jpg")
		if err := os.WriteFile(path, []byte("jpg"), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type testEnv struct {
	pipeline *Pipeline
	rotator  *fakeRotator
	client   *fakeClient
	dataDir  string
	lines    []string
}

func (e *testEnv) log(line string) {
	e.lines = append(e.lines, line)
}

func (e *testEnv) logContains(substr string) bool {
	for _, line := range e.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func newTestEnv(t *testing.T, images int) *testEnv {
	t.Helper()
	env := &testEnv{
		rotator: &fakeRotator{},
		client:  &fakeClient{},
		dataDir: t.TempDir(),
	}
	env.pipeline = New(env.rotator, map[string]ProviderClient{"google": env.client}, &fakeExtractor{images: images}, env.dataDir)
	return env
}

func writeAudio(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("mp3"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
}

func loadDoc(t *testing.T, dataDir, testID string) domain.TestDocument {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dataDir, "data", "tests", testID, "test.json"))
	if err != nil {
		t.Fatalf("read test.json: %v", err)
	}
	var doc domain.TestDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal test.json: %v", err)
	}
	return doc
}

func part1Run(testID, audioDir string) domain.PipelineRun {
	return domain.PipelineRun{
		ID:     "run-1",
		TestID: testID,
		Part:   1,
		Status: domain.RunStatusRunning,
		Config: domain.RunConfig{AudioDir: audioDir},
	}
}

// TestRunPart1PersistsEveryQuestion verifies the part 1 happy path:
// extraction, per-question transcription and generation, asset copies,
// and a document rewrite after each item.
func TestRunPart1PersistsEveryQuestion(t *testing.T) {
	env := newTestEnv(t, 2)
	audioDir := filepath.Join(env.dataDir, "audio")
	writeAudio(t, audioDir, "1.mp3")

	err := env.pipeline.Run(context.Background(), part1Run("ETS_Test_01", audioDir), env.log)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc := loadDoc(t, env.dataDir, "ETS_Test_01")
	if doc.PartNumber != 1 || len(doc.Questions) != 2 {
		t.Fatalf("doc = %+v, want 2 part-1 questions", doc)
	}
	if doc.Questions[0].ID != "part1_q1" || doc.Questions[0].Audio != "part1_q1_audio.mp3" {
		t.Fatalf("q1 = %+v", doc.Questions[0])
	}
	if doc.Questions[1].Audio != "" {
		t.Fatalf("q2 should have no audio: %+v", doc.Questions[1])
	}

	assetDir := filepath.Join(env.dataDir, "data", "tests", "ETS_Test_01")
	for _, name := range []string{"part1_q1_image.jpg", "part1_q2_image.jpg", "part1_q1_audio.mp3"} {
		if _, err := os.Stat(filepath.Join(assetDir, name)); err != nil {
			t.Fatalf("missing asset %s: %v", name, err)
		}
	}

	if env.client.transcribeCalls != 1 || env.client.generateCalls != 2 {
		t.Fatalf("calls = %d transcribe / %d generate, want 1/2", env.client.transcribeCalls, env.client.generateCalls)
	}
	if !env.logContains("[+] Persisted q2 (2 total)") {
		t.Fatalf("missing persistence log, got %v", env.lines)
	}
	if env.rotator.successes == 0 {
		t.Fatal("expected success reports to reset the rotation counter")
	}
	if env.rotator.resets != 1 {
		t.Fatalf("attempt resets = %d, want 1 at run start", env.rotator.resets)
	}
}

// TestRunRetriesThroughRotation verifies a classified failure rotates and
// the call is retried until it succeeds.
func TestRunRetriesThroughRotation(t *testing.T) {
	env := newTestEnv(t, 1)
	env.client.generateErrs = []error{
		&Failure{Kind: domain.FailureRateLimited, Err: errors.New("429 quota exceeded")},
	}

	err := env.pipeline.Run(context.Background(), part1Run("ETS_Test_01", filepath.Join(env.dataDir, "none")), env.log)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if env.rotator.failures != 1 {
		t.Fatalf("failures reported = %d, want 1", env.rotator.failures)
	}
	if env.client.generateCalls != 2 {
		t.Fatalf("generate calls = %d, want 2", env.client.generateCalls)
	}
	if !env.logContains("[!] Provider call failed (rate_limited)") {
		t.Fatalf("missing failure log, got %v", env.lines)
	}
}

// TestRunExhaustionIsJobFatal verifies exhaustion aborts the run with a
// recognizable error.
func TestRunExhaustionIsJobFatal(t *testing.T) {
	env := newTestEnv(t, 1)
	env.rotator.exhaustAfter = 2
	failure := &Failure{Kind: domain.FailureAuthError, Err: errors.New("403 forbidden")}
	env.client.generateErrs = []error{failure, failure, failure}

	err := env.pipeline.Run(context.Background(), part1Run("ETS_Test_01", filepath.Join(env.dataDir, "none")), env.log)
	if !errors.Is(err, rotation.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if !env.logContains("[!] All key/model combinations exhausted.") {
		t.Fatalf("missing exhaustion log, got %v", env.lines)
	}
}

// TestRunStopsAtStageBoundary verifies cancellation is observed between
// questions, not mid-write.
func TestRunStopsAtStageBoundary(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.pipeline.Run(ctx, part1Run("ETS_Test_01", filepath.Join(env.dataDir, "none")), env.log)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if env.client.generateCalls != 0 {
		t.Fatalf("generate calls = %d, want 0 after pre-cancel", env.client.generateCalls)
	}
}

// TestRunPart1ResumesFromProgress verifies already-persisted questions
// are skipped on a rerun.
func TestRunPart1ResumesFromProgress(t *testing.T) {
	env := newTestEnv(t, 2)

	run := part1Run("ETS_Test_01", filepath.Join(env.dataDir, "none"))
	if err := env.pipeline.Run(context.Background(), run, env.log); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstCalls := env.client.generateCalls

	if err := env.pipeline.Run(context.Background(), run, env.log); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if env.client.generateCalls != firstCalls {
		t.Fatalf("generate calls grew to %d; resume should skip persisted questions", env.client.generateCalls)
	}
}

// TestRunPart2ProcessesAudioFiles verifies the part 2 happy path with
// filename-derived question IDs.
func TestRunPart2ProcessesAudioFiles(t *testing.T) {
	env := newTestEnv(t, 0)
	audioDir := filepath.Join(env.dataDir, "part2-audio")
	writeAudio(t, audioDir, "01.mp3")
	writeAudio(t, audioDir, "02.mp3")
	writeAudio(t, audioDir, "notes.txt")

	run := domain.PipelineRun{
		ID:     "run-2",
		TestID: "ETS_Test_02",
		Part:   2,
		Status: domain.RunStatusRunning,
		Config: domain.RunConfig{AudioDir: audioDir},
	}
	if err := env.pipeline.Run(context.Background(), run, env.log); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc := loadDoc(t, env.dataDir, "ETS_Test_02")
	if len(doc.Questions) != 2 {
		t.Fatalf("questions = %d, want 2 (non-mp3 files skipped)", len(doc.Questions))
	}
	if doc.Questions[0].ID != "part2_q1" || doc.Questions[1].ID != "part2_q2" {
		t.Fatalf("ids = %s, %s", doc.Questions[0].ID, doc.Questions[1].ID)
	}
	if env.client.transcribeCalls != 2 {
		t.Fatalf("transcribe calls = %d, want 2", env.client.transcribeCalls)
	}
}

// TestQuestionIDFromFile verifies numeric stems, all-zero stems, and
// non-numeric names.
func TestQuestionIDFromFile(t *testing.T) {
	cases := []struct {
		name     string
		fallback int
		want     string
	}{
		{"07.mp3", 1, "q7"},
		{"track12.mp3", 4, "q12"},
		{"00.mp3", 3, "q3"},
		{"intro.mp3", 5, "q5"},
	}
	for _, c := range cases {
		if got := questionIDFromFile(c.name, c.fallback); got != c.want {
			t.Fatalf("questionIDFromFile(%q, %d) = %q, want %q", c.name, c.fallback, got, c.want)
		}
	}
}

// TestTruncateKeepsRuneBoundary verifies the cut never splits a
// multi-byte rune.
func TestTruncateKeepsRuneBoundary(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("truncate(short) = %q", got)
	}

	// "ab" is two bytes; each hangul syllable is three. A cut at byte 4
	// lands mid-rune and must back up to the boundary.
	got := truncate("ab안녕하세요", 4)
	if got != "ab..." {
		t.Fatalf("truncate = %q, want %q", got, "ab...")
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
}

// TestRunUnknownProviderClient verifies a pool pointing at a provider
// with no client fails up front.
func TestRunUnknownProviderClient(t *testing.T) {
	env := newTestEnv(t, 1)
	env.pipeline.clients = map[string]ProviderClient{}

	err := env.pipeline.Run(context.Background(), part1Run("ETS_Test_01", ""), env.log)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "setup" {
		t.Fatalf("err = %v, want setup stage error", err)
	}
}
