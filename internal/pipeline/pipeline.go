package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"toeic-pipeline/internal/domain"
	"toeic-pipeline/internal/rotation"
)

const defaultCallTimeout = 2 * time.Minute

// Extractor turns a source PDF into per-question images.
type Extractor interface {
	ExtractImages(ctx context.Context, pdfPath, outputDir string) ([]string, error)
}

// ProviderClient is the contract the orchestrator requires from an
// LLM/STT vendor integration: submit a request with a given key and
// model, receive output or a classified *Failure.
type ProviderClient interface {
	Generate(ctx context.Context, key, model, prompt, imagePath string) (string, error)
	Transcribe(ctx context.Context, key, model, audioPath string) (string, error)
	ListModels(ctx context.Context, key string) ([]string, error)
}

// credentialSource is the rotator surface the job depends on.
type credentialSource interface {
	ActiveProvider() string
	Acquire(provider string) (domain.APIKey, string, error)
	ReportFailure(provider string, kind domain.FailureKind) (rotation.Outcome, error)
	ReportSuccess(provider string)
	ResetAttempts()
}

// Pipeline executes content-generation runs: extract source material,
// call providers per question through the credential rotator, and persist
// question data and media assets after every item.
type Pipeline struct {
	rotator     credentialSource
	clients     map[string]ProviderClient
	extractor   Extractor
	dataDir     string
	callTimeout time.Duration

	stat      func(name string) (os.FileInfo, error)
	readDir   func(name string) ([]os.DirEntry, error)
	readFile  func(name string) ([]byte, error)
	writeFile func(name string, data []byte, perm os.FileMode) error
	mkdirAll  func(path string, perm os.FileMode) error
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
}

// New constructs the production pipeline with OS dependencies.
func New(rotator credentialSource, clients map[string]ProviderClient, extractor Extractor, dataDir string) *Pipeline {
	return &Pipeline{
		rotator:     rotator,
		clients:     clients,
		extractor:   extractor,
		dataDir:     dataDir,
		callTimeout: defaultCallTimeout,
		stat:        os.Stat,
		readDir:     os.ReadDir,
		readFile:    os.ReadFile,
		writeFile:   os.WriteFile,
		mkdirAll:    os.MkdirAll,
		mkdirTemp:   os.MkdirTemp,
		removeAll:   os.RemoveAll,
	}
}

// Run executes one part's batch job. It checks for cancellation at stage
// boundaries only; an in-flight provider call finishes or times out on
// its own.
func (p *Pipeline) Run(ctx context.Context, run domain.PipelineRun, log func(string)) error {
	provider := p.rotator.ActiveProvider()
	client, ok := p.clients[provider]
	if !ok {
		return &StageError{Stage: "setup", Message: fmt.Sprintf("no client for provider %q", provider)}
	}

	// A fresh run gets a full rotation cycle; failures counted against a
	// previous run must not carry over.
	p.rotator.ResetAttempts()

	if run.Config.IsCloud {
		log("[*] Cloud mode: media paths resolve against cloud-synced storage")
	}

	switch run.Part {
	case 1:
		return p.runPart1(ctx, run, provider, client, log)
	case 2:
		return p.runPart2(ctx, run, provider, client, log)
	default:
		return &StageError{Stage: "setup", Message: fmt.Sprintf("unknown part %d", run.Part)}
	}
}

// runPart1 processes photograph questions: one extracted image per
// question, with an optional numbered audio file alongside.
func (p *Pipeline) runPart1(ctx context.Context, run domain.PipelineRun, provider string, client ProviderClient, log func(string)) error {
	pdfPath := p.resolvePath(run.Config.PDFPath, filepath.Join("tools", "data", "PART1", "part1.pdf"))
	audioDir := p.resolvePath(run.Config.AudioDir, filepath.Join("tools", "data", "PART1"))
	assetDir := filepath.Join(p.dataDir, "data", "tests", run.TestID)
	if err := p.mkdirAll(assetDir, 0o755); err != nil {
		return &StageError{Stage: "setup", Message: "cannot create asset directory", Err: err}
	}

	tempDir, err := p.mkdirTemp("", "toeic-pipeline-*")
	if err != nil {
		return &StageError{Stage: "extraction", Message: "failed to create temporary workspace", Err: err}
	}
	defer func() { _ = p.removeAll(tempDir) }()

	log(fmt.Sprintf("[*] Extracting images from %s...", pdfPath))
	images, err := p.extractor.ExtractImages(ctx, pdfPath, tempDir)
	if err != nil {
		return &StageError{Stage: "extraction", Message: "PDF image extraction failed", Err: err}
	}
	if len(images) == 0 {
		return &StageError{Stage: "extraction", Message: "no images found in PDF"}
	}
	log(fmt.Sprintf("[+] Extraction complete. %d images.", len(images)))

	doc := p.loadProgress(run.TestID, 1, assetDir)
	if len(doc.Questions) > 0 {
		log(fmt.Sprintf("[*] Resuming from question %d", len(doc.Questions)+1))
	}

	for i, imgPath := range images {
		num := i + 1
		if num <= len(doc.Questions) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		log(fmt.Sprintf("[*] Analyzing Question %d...", num))

		transcript := ""
		audioSrc := filepath.Join(audioDir, fmt.Sprintf("%d.mp3", num))
		if _, err := p.stat(audioSrc); err == nil {
			transcript, err = p.callProvider(ctx, provider, log, func(callCtx context.Context, key, model string) (string, error) {
				return client.Transcribe(callCtx, key, model, audioSrc)
			})
			if err != nil {
				return err
			}
		}

		content, err := p.callProvider(ctx, provider, log, func(callCtx context.Context, key, model string) (string, error) {
			return client.Generate(callCtx, key, model, part1Prompt(transcript), imgPath)
		})
		if err != nil {
			return err
		}

		question := domain.Question{
			ID:      fmt.Sprintf("part1_q%d", num),
			Content: content,
			Image:   fmt.Sprintf("part1_q%d_image.jpg", num),
		}
		if err := p.copyFile(imgPath, filepath.Join(assetDir, question.Image)); err != nil {
			return &StageError{Stage: "persist", Message: "copy question image", Err: err}
		}
		if transcript != "" {
			question.Audio = fmt.Sprintf("part1_q%d_audio.mp3", num)
			if err := p.copyFile(audioSrc, filepath.Join(assetDir, question.Audio)); err != nil {
				return &StageError{Stage: "persist", Message: "copy question audio", Err: err}
			}
		}

		doc.Questions = append(doc.Questions, question)
		if err := p.saveProgress(doc, assetDir); err != nil {
			return &StageError{Stage: "persist", Message: "write test document", Err: err}
		}
		log(fmt.Sprintf("[+] Persisted q%d (%d total)", num, len(doc.Questions)))
	}

	return nil
}

// runPart2 processes question-response items: one audio file per question,
// transcribed and then structured by the LLM.
func (p *Pipeline) runPart2(ctx context.Context, run domain.PipelineRun, provider string, client ProviderClient, log func(string)) error {
	audioDir := p.resolvePath(run.Config.AudioDir, filepath.Join("tools", "data", "PART2"))
	assetDir := filepath.Join(p.dataDir, "data", "tests", run.TestID)
	if err := p.mkdirAll(assetDir, 0o755); err != nil {
		return &StageError{Stage: "setup", Message: "cannot create asset directory", Err: err}
	}

	entries, err := p.readDir(audioDir)
	if err != nil {
		return &StageError{Stage: "setup", Message: fmt.Sprintf("cannot read audio directory: %s", audioDir), Err: err}
	}
	audioFiles := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".mp3") {
			audioFiles = append(audioFiles, entry.Name())
		}
	}
	sort.Strings(audioFiles)
	if len(audioFiles) == 0 {
		return &StageError{Stage: "setup", Message: fmt.Sprintf("no .mp3 files found in: %s", audioDir)}
	}

	doc := p.loadProgress(run.TestID, 2, assetDir)
	if len(doc.Questions) > 0 {
		log(fmt.Sprintf("[*] Found %d existing questions. Resuming from question %d", len(doc.Questions), len(doc.Questions)+1))
	}

	for i, fileName := range audioFiles {
		if i < len(doc.Questions) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		questionID := questionIDFromFile(fileName, i+1)
		log(fmt.Sprintf("[*] Processing %s (ID: %s)...", fileName, questionID))

		audioSrc := filepath.Join(audioDir, fileName)
		transcript, err := p.callProvider(ctx, provider, log, func(callCtx context.Context, key, model string) (string, error) {
			return client.Transcribe(callCtx, key, model, audioSrc)
		})
		if err != nil {
			return err
		}
		log(fmt.Sprintf("[*] Transcript: %s", truncate(transcript, 100)))

		content, err := p.callProvider(ctx, provider, log, func(callCtx context.Context, key, model string) (string, error) {
			return client.Generate(callCtx, key, model, part2Prompt(transcript), "")
		})
		if err != nil {
			return err
		}

		question := domain.Question{
			ID:      fmt.Sprintf("part2_%s", questionID),
			Content: content,
			Audio:   fmt.Sprintf("part2_%s_audio.mp3", questionID),
		}
		if err := p.copyFile(audioSrc, filepath.Join(assetDir, question.Audio)); err != nil {
			return &StageError{Stage: "persist", Message: "copy question audio", Err: err}
		}

		doc.Questions = append(doc.Questions, question)
		if err := p.saveProgress(doc, assetDir); err != nil {
			return &StageError{Stage: "persist", Message: "write test document", Err: err}
		}
		log(fmt.Sprintf("[+] Persisted %s (%d total)", questionID, len(doc.Questions)))
	}

	return nil
}

// callProvider performs one provider call through the rotation path:
// acquire the active pair, call with a bounded timeout, and on a
// classified failure rotate and retry until success or exhaustion.
func (p *Pipeline) callProvider(ctx context.Context, provider string, log func(string), call func(ctx context.Context, key, model string) (string, error)) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		key, model, err := p.rotator.Acquire(provider)
		if err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		out, callErr := call(callCtx, key.Key, model)
		cancel()
		if callErr == nil {
			p.rotator.ReportSuccess(provider)
			return out, nil
		}
		if ctx.Err() != nil {
			// User stop while the call was in flight.
			return "", ctx.Err()
		}

		kind := classifyFailure(callErr)
		log(fmt.Sprintf("[!] Provider call failed (%s): %v", kind, callErr))

		outcome, rotErr := p.rotator.ReportFailure(provider, kind)
		if rotErr != nil {
			return "", rotErr
		}
		if outcome == rotation.OutcomeExhausted {
			log("[!] All key/model combinations exhausted.")
			return "", fmt.Errorf("%w for provider %s", rotation.ErrExhausted, provider)
		}
	}
}

// loadProgress reads the persisted test document, or starts a fresh one.
func (p *Pipeline) loadProgress(testID string, part int, assetDir string) domain.TestDocument {
	doc := domain.TestDocument{
		TestID:       testID,
		PartNumber:   part,
		Title:        fmt.Sprintf("TOEIC %s - Practice", testID),
		Instructions: partInstructions(part),
	}

	data, err := p.readFile(filepath.Join(assetDir, "test.json"))
	if err != nil {
		return doc
	}

	var existing domain.TestDocument
	if err := json.Unmarshal(data, &existing); err != nil || existing.PartNumber != part {
		return doc
	}
	doc.Questions = existing.Questions
	return doc
}

// saveProgress rewrites the test document after each question.
func (p *Pipeline) saveProgress(doc domain.TestDocument, assetDir string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return p.writeFile(filepath.Join(assetDir, "test.json"), data, 0o644)
}

// copyFile duplicates a media asset into the test's asset directory.
func (p *Pipeline) copyFile(src, dst string) error {
	data, err := p.readFile(src)
	if err != nil {
		return err
	}
	return p.writeFile(dst, data, 0o644)
}

// resolvePath applies the default for empty paths and resolves relative
// paths against the project data directory.
func (p *Pipeline) resolvePath(path, fallback string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = fallback
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(p.dataDir, trimmed)
}

// questionIDFromFile derives a stable question ID from an audio filename,
// preferring its numeric part ("07.mp3" -> "q7").
func questionIDFromFile(fileName string, fallback int) string {
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, stem)

	if trimmed := strings.TrimLeft(digits, "0"); trimmed != "" {
		return "q" + trimmed
	}
	return fmt.Sprintf("q%d", fallback)
}

// truncate shortens long transcripts for log lines, cutting only at rune
// boundaries.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// partInstructions returns the fixed candidate instructions per part.
func partInstructions(part int) string {
	if part == 2 {
		return "You will hear a question or statement and three responses spoken in English. Select the best response and transcribe what you hear."
	}
	return "Listen to the four statements for each photo. Transcribe each statement."
}

// part1Prompt asks for a structured photograph question, optionally
// grounded on the statement transcript.
func part1Prompt(transcript string) string {
	prompt := "Analyze the photograph and produce a TOEIC Part 1 question as JSON with four statements (A-D) and the correct answer."
	if transcript != "" {
		prompt += "\nUse these transcribed statements:\n" + transcript
	}
	return prompt
}

// part2Prompt asks for a structured question-response item.
func part2Prompt(transcript string) string {
	return "Produce a TOEIC Part 2 question as JSON with the spoken question, three responses (A-C), and the correct answer, from this transcript:\n" + transcript
}
