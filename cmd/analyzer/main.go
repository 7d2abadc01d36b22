package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cell_analysis/pkg/api"
	"cell_analysis/pkg/config"
	"cell_analysis/pkg/core/analysis"
	"cell_analysis/pkg/core/backend"
	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/core/llm"
	"cell_analysis/pkg/core/prompt"
	"cell_analysis/pkg/core/store"
	"cell_analysis/pkg/core/timerange"
	"cell_analysis/pkg/models"
)

func main() {
	os.Exit(run())
}

func run() int {
	requestPath := flag.String("request", "-", "path to the JSON analysis request, or - for stdin")
	check := flag.Bool("check", false, "probe LLM endpoint health and exit")
	post := flag.Bool("post", false, "POST the payload to the configured backend after analysis")
	deadline := flag.Duration("deadline", 10*time.Minute, "total analysis deadline")
	flag.Parse()

	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	setupLogging(cfg.LogLevel)

	completer, err := buildLLMClient(cfg, false)
	if err != nil {
		log.Error().Err(err).Msg("llm client setup failed")
		return errs.ExitCode(err)
	}

	if *check {
		return runHealthCheck(completer, cfg)
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), *deadline)
	defer cancel()

	response, err := runAnalysis(ctx, cfg, completer, *requestPath, *post)
	if err != nil {
		printJSON(api.FormatError(err, time.Since(started)))
		log.Error().Err(err).Msg("analysis failed")
		return errs.ExitCode(err)
	}
	printJSON(response)
	return 0
}

func runAnalysis(ctx context.Context, cfg *config.Settings, completer *llm.Client, requestPath string, post bool) (*api.SuccessResponse, error) {
	started := time.Now()

	raw, err := readRequest(requestPath)
	if err != nil {
		return nil, err
	}
	req, warnings, err := api.DecodeRequest(raw)
	if err != nil {
		return nil, err
	}

	if req.EnableMock {
		completer, err = buildLLMClient(cfg, true)
		if err != nil {
			return nil, err
		}
	}

	prompts, err := prompt.NewStore(cfg.TemplatePath)
	if err != nil {
		return nil, err
	}
	parser, err := timerange.NewParser(cfg.DefaultTZOffset)
	if err != nil {
		return nil, err
	}

	pegStore, cleanup, err := buildStore(ctx, cfg, req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	assembler := analysis.NewAssembler(pegStore, completer, prompts, parser, cfg)
	result, err := assembler.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	if post {
		deliverPayload(ctx, cfg, result, req)
	}
	return api.FormatSuccess(result, time.Since(started), warnings), nil
}

// buildStore opens the per-request pool. Mock requests without connection
// details run without a store; fetches then see no rows.
func buildStore(ctx context.Context, cfg *config.Settings, req *models.AnalysisRequest) (store.PEGStore, func(), error) {
	if req.DB == nil {
		return nil, func() {}, nil
	}
	pool, err := store.Connect(ctx, *req.DB, cfg.Store.PoolSize)
	if err != nil {
		return nil, nil, err
	}
	repo, err := store.NewRepo(pool, req.Table, cfg.Store)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

func buildLLMClient(cfg *config.Settings, mock bool) (*llm.Client, error) {
	return llm.NewClient(llm.Options{
		Endpoints:      cfg.LLM.Endpoints,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        cfg.LLM.Timeout,
		MaxRetries:     cfg.LLM.MaxRetries,
		BackoffBase:    cfg.LLM.BackoffBase,
		APIKey:         cfg.LLM.APIKey,
		MaxPromptChars: cfg.LLM.MaxPromptChars,
		TruncateBuffer: cfg.LLM.TruncateBuffer,
		CharsPerToken:  cfg.LLM.CharsPerToken,
		Mock:           mock,
	})
}

// deliverPayload is best-effort; a backend failure lands in result metadata
// instead of failing the analysis.
func deliverPayload(ctx context.Context, cfg *config.Settings, result *models.AnalysisResult, req *models.AnalysisRequest) {
	client := backend.NewClient(cfg.Backend)
	if client == nil {
		log.Warn().Msg("backend posting requested but BACKEND_URL is not set")
		result.Metadata["backend_post_failed"] = true
		return
	}
	payload := backend.BuildPayload(result, req.RelVer, nil)
	if err := client.Post(ctx, payload); err != nil {
		log.Error().Err(err).Msg("backend post failed")
		result.Metadata["backend_post_failed"] = true
	}
}

func runHealthCheck(completer *llm.Client, cfg *config.Settings) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	healthy := 0
	for _, endpoint := range cfg.LLM.Endpoints {
		if err := completer.Ping(ctx, endpoint); err != nil {
			log.Warn().Str("endpoint", endpoint).Err(err).Msg("endpoint unhealthy")
			continue
		}
		log.Info().Str("endpoint", endpoint).Msg("endpoint healthy")
		healthy++
	}
	if healthy == 0 {
		fmt.Fprintln(os.Stderr, "no healthy llm endpoints")
		return 4
	}
	fmt.Printf("%d/%d endpoints healthy\n", healthy, len(cfg.LLM.Endpoints))
	return 0
}

func readRequest(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, errs.Wrap(errs.KindRequestInvalid, "reading request from stdin failed", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindRequestInvalid, "reading request file failed", err)
	}
	return data, nil
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}
