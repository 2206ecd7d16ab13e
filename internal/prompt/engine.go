package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/user/vizchat/internal/types"
)

const tokenCacheSize = 4096

// Engine builds token-budgeted prompts. Files that do not fit the budget are
// kept as metadata only.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	cache     *lru.Cache[string, int]
}

// New creates an engine for model with a context window of maxTokens, of
// which reserve tokens are kept free for the response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	cache, err := lru.New[string, int](tokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		cache:     cache,
	}, nil
}

// CountTokens returns the token count of text, memoized by content hash.
func (e *Engine) CountTokens(text string) int {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])
	if n, ok := e.cache.Get(key); ok {
		return n
	}
	n := len(e.tokenizer.Encode(text, nil, nil))
	e.cache.Add(key, n)
	return n
}

// Fit returns a copy of files in which every file that would overflow the
// budget left after overhead tokens is demoted to metadata. Files are
// considered in order; the number of tokens used by the kept files is
// returned alongside.
func (e *Engine) Fit(files PreparedFiles, overhead int) (PreparedFiles, int) {
	budget := e.maxTokens - e.reserve - overhead
	out := make(PreparedFiles, len(files))
	used := 0
	for i, f := range files {
		out[i] = f
		if f.Omitted != "" {
			continue
		}
		cost := e.CountTokens(FormatFile(f))
		if used+cost > budget {
			out[i].Text = ""
			out[i].Omitted = OmittedBudget
			continue
		}
		used += cost
	}
	return out, used
}

// Build prepares files, fits them to the budget and assembles the prompt for
// userPrompt in the whole-file edit format.
func (e *Engine) Build(files types.FileCollection, userPrompt string) (string, error) {
	base, err := AssemblePrompt(Input{UserPrompt: userPrompt, EditFormat: EditFormatWhole})
	if err != nil {
		return "", err
	}
	prepared, _ := e.Fit(PrepareFiles(files), e.CountTokens(base))
	return AssemblePrompt(Input{
		FilesContext: FormatAsMarkdown(prepared),
		UserPrompt:   userPrompt,
		EditFormat:   EditFormatWhole,
	})
}
