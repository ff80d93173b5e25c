package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"codedojo/collab/internal/models"
	"codedojo/collab/internal/utils"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

const (
	compileTimeoutMs = 10000
	runTimeoutMs     = 3000
	memoryLimitBytes = 128 * 1024 * 1024

	errInvalidResponse    = "Invalid response from execution engine"
	errServiceUnavailable = "Execution service unavailable"
)

// languageMap maps editor language names to execution-engine runtimes.
var languageMap = map[string]string{
	"python":     "python",
	"javascript": "javascript",
	"typescript": "typescript",
	"java":       "java",
	"c":          "c",
	"cpp":        "c++",
	"csharp":     "csharp",
	"go":         "go",
	"rust":       "rust",
	"ruby":       "ruby",
	"php":        "php",
	"swift":      "swift",
	"kotlin":     "kotlin",
	"scala":      "scala",
	"bash":       "bash",
	"perl":       "perl",
	"lua":        "lua",
	"r":          "rscript",
	"dart":       "dart",
	"elixir":     "elixir",
	"clojure":    "clojure",
	"haskell":    "haskell",
	"julia":      "julia",
	"pascal":     "pascal",
	"fsharp":     "fsharp.net",
	"nim":        "nim",
	"crystal":    "crystal",
	"sql":        "sqlite3",
	"powershell": "powershell",
	"erlang":     "erlang",
	"fortran":    "fortran",
	"cobol":      "cobol",
	"prolog":     "prolog",
	"lisp":       "lisp",
	"ocaml":      "ocaml",
	"groovy":     "groovy",
	"d":          "d",
	"zig":        "zig",
}

// SupportedLanguages returns the editor language names, sorted.
func SupportedLanguages() []string {
	langs := lo.Keys(languageMap)
	sort.Strings(langs)
	return langs
}

func Supported(language string) bool {
	_, ok := languageMap[strings.ToLower(language)]
	return ok
}

// Runner executes code on a Piston-compatible HTTP execution engine.
type Runner struct {
	client  *http.Client
	baseURL string
	log     *utils.Logger
}

func NewRunner(baseURL string, log *utils.Logger) *Runner {
	return &Runner{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language       string       `json:"language"`
	Version        string       `json:"version"`
	Files          []pistonFile `json:"files"`
	Stdin          string       `json:"stdin"`
	Args           []string     `json:"args"`
	CompileTimeout int          `json:"compile_timeout"`
	RunTimeout     int          `json:"run_timeout"`
	MemoryLimit    int64        `json:"memory_limit"`
}

type pistonStage struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Output string `json:"output"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      *pistonStage `json:"run"`
	Compile  *pistonStage `json:"compile"`
}

// Runtime is one language runtime installed on the execution engine.
type Runtime struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("%d: %s", e.code, e.body) }

// Run executes one program. Engine failures are reported in the result's
// Error field; only an unsupported language is returned as an error.
func (r *Runner) Run(ctx context.Context, req models.RunRequest) (models.RunResult, error) {
	lang := strings.ToLower(req.Language)
	runtime, ok := languageMap[lang]
	if !ok {
		return models.RunResult{}, fmt.Errorf("%w '%s'. Supported: %s", ErrUnsupportedLanguage, lang, strings.Join(SupportedLanguages(), ", "))
	}

	resp, err := r.invokePiston(ctx, pistonRequest{
		Language:       runtime,
		Version:        "*",
		Files:          []pistonFile{{Content: req.Code}},
		Stdin:          req.Stdin,
		Args:           []string{},
		CompileTimeout: compileTimeoutMs,
		RunTimeout:     runTimeoutMs,
		MemoryLimit:    memoryLimitBytes,
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			r.log.Error("execution failed", "status", se.code, "body", se.body)
			return models.RunResult{Error: "Execution failed: " + se.body}, nil
		}
		r.log.Error("execution service unreachable", "error", err)
		return models.RunResult{Error: errServiceUnavailable}, nil
	}

	if resp.Compile != nil && resp.Compile.Code != nil && *resp.Compile.Code != 0 {
		return models.RunResult{Error: lo.CoalesceOrEmpty(resp.Compile.Stderr, resp.Compile.Output)}, nil
	}
	if resp.Run == nil {
		return models.RunResult{Error: errInvalidResponse}, nil
	}
	return models.RunResult{Output: resp.Run.Stdout, Error: resp.Run.Stderr}, nil
}

func (r *Runner) invokePiston(ctx context.Context, body pistonRequest) (*pistonResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, &statusError{code: res.StatusCode, body: string(raw)}
	}
	var out pistonResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return &pistonResponse{}, nil
	}
	return &out, nil
}

// Runtimes lists the runtimes installed on the execution engine.
func (r *Runner) Runtimes(ctx context.Context) ([]Runtime, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/runtimes", nil)
	if err != nil {
		return nil, err
	}
	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return nil, errors.New(res.Status)
	}
	var out []Runtime
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Probe logs whether the execution engine is reachable. It never fails.
func (r *Runner) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	runtimes, err := r.Runtimes(ctx)
	if err != nil {
		r.log.Error("failed to connect to execution engine", "url", r.baseURL, "error", err)
		return
	}
	sample := lo.Map(lo.Slice(runtimes, 0, 5), func(rt Runtime, _ int) string {
		return rt.Language + " v" + rt.Version
	})
	r.log.Info("execution engine connected", "url", r.baseURL, "runtimes", len(runtimes), "sample", sample)
}
