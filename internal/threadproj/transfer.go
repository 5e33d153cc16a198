package threadproj

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaybridge/agentbridge/internal/model"
)

// Manifest describes a thread export package, written alongside the session
// file and its checksum index. Grounded in the teacher's flat-directory,
// named-artifact style from internal/ai/workspace_checkpoint.go and
// internal/knowledgegen's bundle writer (no tar, just named files in a
// directory identified by the thread id).
type Manifest struct {
	ThreadID       string    `json:"threadId"`
	ProjectPath    string    `json:"projectPath"`
	Name           string    `json:"threadName,omitempty"`
	ApprovalPolicy string    `json:"approvalPolicy"`
	Sandbox        string    `json:"sandbox"`
	Model          string    `json:"model,omitempty"`
	EnvelopeCount  int       `json:"envelopeCount"`
	ExportedAt     time.Time `json:"exportedAt"`
}

// Index is the SHA-256 index entry for a package's session file.
type Index struct {
	ThreadID   string    `json:"threadId"`
	SHA256     string    `json:"sha256"`
	ExportedAt time.Time `json:"exportedAt"`
}

const (
	manifestFileName = "manifest.json"
	sessionFileName  = "session.jsonl"
	indexFileName    = "index.json"
	importsFileName  = "imports.jsonl"
)

// Export writes a self-contained package for threadID under destRoot,
// identified by the thread id: destRoot/<threadID>/{manifest.json,
// session.jsonl, index.json}. Refuses to overwrite an existing package.
func (p *Projector) Export(ctx context.Context, threadID, destRoot string) (pkgDir string, err error) {
	th, err := p.store.GetThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("threadproj: export: %w", err)
	}

	var envs []*model.Envelope
	cursor := int64(-1)
	for {
		page, _, err := p.store.ListProjection(ctx, threadID, cursor, 1000)
		if err != nil {
			return "", fmt.Errorf("threadproj: export: %w", err)
		}
		if len(page) == 0 {
			break
		}
		envs = append(envs, page...)
		cursor = page[len(page)-1].Seq
		if len(page) < 1000 {
			break
		}
	}

	pkgDir = filepath.Join(destRoot, threadID)
	if _, statErr := os.Stat(pkgDir); statErr == nil {
		return "", ErrPackageExists
	}
	if err := os.MkdirAll(pkgDir, 0o700); err != nil {
		return "", err
	}

	sessionPath := filepath.Join(pkgDir, sessionFileName)
	f, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	w := bufio.NewWriter(f)
	for _, e := range envs {
		b, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return "", err
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			f.Close()
			return "", err
		}
		h.Write(b)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	now := time.Now()
	manifest := Manifest{
		ThreadID: th.ID, ProjectPath: th.ProjectPath, Name: th.Name,
		ApprovalPolicy: th.ApprovalPolicy, Sandbox: th.Sandbox, Model: th.Model,
		EnvelopeCount: len(envs), ExportedAt: now,
	}
	if err := writeJSONFile(filepath.Join(pkgDir, manifestFileName), manifest); err != nil {
		return "", err
	}

	index := Index{ThreadID: th.ID, SHA256: hex.EncodeToString(h.Sum(nil)), ExportedAt: now}
	if err := writeJSONFile(filepath.Join(pkgDir, indexFileName), index); err != nil {
		return "", err
	}

	return pkgDir, nil
}

// Import reads a package written by Export, verifies its checksum, creates a
// new thread with a freshly minted id, rewrites every case-insensitive
// occurrence of the old thread id in the session file to the new one, and
// replaces the new thread's projection with the rewritten envelopes. Appends
// an entry to the package's import log rather than overwriting anything
// already on disk.
func (p *Projector) Import(ctx context.Context, pkgDir string) (newThreadID string, err error) {
	pkgDir = filepath.FromSlash(strings.ReplaceAll(pkgDir, "\\", "/"))

	var manifest Manifest
	if err := readJSONFile(filepath.Join(pkgDir, manifestFileName), &manifest); err != nil {
		return "", fmt.Errorf("threadproj: import: %w", err)
	}
	var index Index
	if err := readJSONFile(filepath.Join(pkgDir, indexFileName), &index); err != nil {
		return "", fmt.Errorf("threadproj: import: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(pkgDir, sessionFileName))
	if err != nil {
		return "", fmt.Errorf("threadproj: import: %w", err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != index.SHA256 {
		return "", ErrChecksumMismatch
	}

	newThreadID = "th_" + uuid.NewString()
	rewritten := replaceCaseInsensitive(string(raw), manifest.ThreadID, newThreadID)

	envs, err := parseSessionLines(rewritten)
	if err != nil {
		return "", fmt.Errorf("threadproj: import: %w", err)
	}

	now := time.Now()
	th := &model.Thread{
		ID: newThreadID, ProjectPath: manifest.ProjectPath, Name: manifest.Name,
		ApprovalPolicy: manifest.ApprovalPolicy, Sandbox: manifest.Sandbox, Model: manifest.Model,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := p.store.CreateThread(ctx, th); err != nil {
		return "", fmt.Errorf("threadproj: import: %w", err)
	}
	if err := p.store.ReplaceProjection(ctx, newThreadID, envs); err != nil {
		return "", fmt.Errorf("threadproj: import: %w", err)
	}

	logEntry := struct {
		ImportedThreadID string    `json:"importedThreadId"`
		ImportedAt       time.Time `json:"importedAt"`
	}{ImportedThreadID: newThreadID, ImportedAt: now}
	logBytes, err := json.Marshal(logEntry)
	if err != nil {
		return "", err
	}
	logBytes = append(logBytes, '\n')
	logFile, err := os.OpenFile(filepath.Join(pkgDir, importsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", err
	}
	defer logFile.Close()
	if _, err := logFile.Write(logBytes); err != nil {
		return "", err
	}

	return newThreadID, nil
}

func parseSessionLines(text string) ([]*model.Envelope, error) {
	var envs []*model.Envelope
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env model.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, err
		}
		envs = append(envs, &env)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return envs, nil
}

// replaceCaseInsensitive rewrites every occurrence of old in text to
// newValue, matching old case-insensitively, per spec.md §4.7.
func replaceCaseInsensitive(text, old, newValue string) string {
	if old == "" {
		return text
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(old))
	return re.ReplaceAllLiteralString(text, newValue)
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
