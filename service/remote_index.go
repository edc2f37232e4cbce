package service

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"biosure-backend/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
)

// RemoteFile is the remote index's view of an uploaded file
type RemoteFile struct {
	RemoteID    string
	URI         string
	DisplayName string
	MIMEType    string
	State       models.ProcessingState
	Error       string
}

// FileRef points a grounded query at one remote file
type FileRef struct {
	RemoteID    string
	URI         string
	MIMEType    string
	DisplayName string
}

// IndexAnswer is the raw answer from the remote index
type IndexAnswer struct {
	Text           string
	CitedRemoteIDs []string
}

// RemoteIndex is the remote AI document index
type RemoteIndex interface {
	Upload(ctx context.Context, r io.Reader, displayName, mimeType string) (*RemoteFile, error)
	GetState(ctx context.Context, remoteID string) (*RemoteFile, error)
	Query(ctx context.Context, prompt string, refs []FileRef) (*IndexAnswer, error)
	Delete(ctx context.Context, remoteID string) error
	List(ctx context.Context) ([]RemoteFile, error)
}

// GeminiIndex implements RemoteIndex on the Gemini File API
type GeminiIndex struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiIndex creates a Gemini-backed remote index
func NewGeminiIndex(client *genai.Client, model string, temperature float32) *GeminiIndex {
	return &GeminiIndex{client: client, model: model, temperature: temperature}
}

const groundedInstruction = "You are a healthcare analytics assistant. Answer using only the attached documents. " +
	"If the documents do not contain the answer, say so. " +
	"Finish with one final line of the form `SOURCES: doc-1, doc-2` naming the documents you relied on, or `SOURCES: none`."

const ungroundedInstruction = "You are a healthcare analytics assistant. No reference documents are available, " +
	"so answer from general knowledge and say that the answer is not based on internal documents."

func fromGeminiFile(f *genai.File) *RemoteFile {
	rf := &RemoteFile{
		RemoteID:    f.Name,
		URI:         f.URI,
		DisplayName: f.DisplayName,
		MIMEType:    f.MIMEType,
		State:       fromGeminiState(f.State),
	}
	if f.Error != nil {
		rf.Error = fmt.Sprint(f.Error)
	}
	return rf
}

func fromGeminiState(s genai.FileState) models.ProcessingState {
	switch s {
	case genai.FileStateActive:
		return models.StateActive
	case genai.FileStateFailed:
		return models.StateFailed
	}
	return models.StateProcessing
}

// Upload sends the document to the File API
func (g *GeminiIndex) Upload(ctx context.Context, r io.Reader, displayName, mimeType string) (*RemoteFile, error) {
	f, err := g.client.UploadFile(ctx, "", r, &genai.UploadFileOptions{
		DisplayName: displayName,
		MIMEType:    mimeType,
	})
	if err != nil {
		return nil, err
	}
	return fromGeminiFile(f), nil
}

// GetState fetches the current processing state of a file
func (g *GeminiIndex) GetState(ctx context.Context, remoteID string) (*RemoteFile, error) {
	f, err := g.client.GetFile(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return fromGeminiFile(f), nil
}

// Delete removes a file from the File API
func (g *GeminiIndex) Delete(ctx context.Context, remoteID string) error {
	return g.client.DeleteFile(ctx, remoteID)
}

// List returns every file currently held by the File API
func (g *GeminiIndex) List(ctx context.Context) ([]RemoteFile, error) {
	var files []RemoteFile
	it := g.client.ListFiles(ctx)
	for {
		f, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		files = append(files, *fromGeminiFile(f))
	}
	return files, nil
}

// Query asks the model a question grounded on refs. With no refs the request
// is sent without documents.
func (g *GeminiIndex) Query(ctx context.Context, prompt string, refs []FileRef) (*IndexAnswer, error) {
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(g.temperature)

	instruction := ungroundedInstruction
	if len(refs) > 0 {
		instruction = groundedInstruction
	}
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}

	parts := make([]genai.Part, 0, len(refs)+1)
	var catalog strings.Builder
	for i, ref := range refs {
		parts = append(parts, genai.FileData{MIMEType: ref.MIMEType, URI: ref.URI})
		fmt.Fprintf(&catalog, "doc-%d: %s\n", i+1, ref.DisplayName)
	}
	text := prompt
	if len(refs) > 0 {
		text = "Attached documents, in order:\n" + catalog.String() + "\nQuestion: " + prompt
	}
	parts = append(parts, genai.Text(text))

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, err
	}

	var out strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				out.WriteString(string(t))
			}
		}
		break
	}

	if len(refs) == 0 {
		return &IndexAnswer{Text: strings.TrimSpace(out.String())}, nil
	}

	body, cited := parseCitations(out.String(), len(refs))
	answer := &IndexAnswer{Text: body}
	for _, idx := range cited {
		answer.CitedRemoteIDs = append(answer.CitedRemoteIDs, refs[idx].RemoteID)
	}
	return answer, nil
}

var (
	sourcesLine = regexp.MustCompile(`(?im)^\s*\**SOURCES\**\s*:\s*(.*?)\s*$`)
	docLabel    = regexp.MustCompile(`(?i)doc-(\d+)`)
)

// parseCitations strips the trailing SOURCES line and returns the zero-based
// indexes it names, ignoring labels outside 1..n. Without a SOURCES line every
// document is treated as cited.
func parseCitations(text string, n int) (string, []int) {
	locs := sourcesLine.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return strings.TrimSpace(text), all
	}

	last := locs[len(locs)-1]
	list := text[last[2]:last[3]]
	body := strings.TrimSpace(text[:last[0]] + text[last[1]:])

	seen := map[int]bool{}
	var cited []int
	for _, m := range docLabel.FindAllStringSubmatch(list, -1) {
		k, err := strconv.Atoi(m[1])
		if err != nil || k < 1 || k > n || seen[k-1] {
			continue
		}
		seen[k-1] = true
		cited = append(cited, k-1)
	}
	return body, cited
}
