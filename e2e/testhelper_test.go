package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/lecturelab/api/internal/auth"
	"github.com/lecturelab/api/internal/client"
	"github.com/lecturelab/api/internal/config"
	"github.com/lecturelab/api/internal/gate"
	"github.com/lecturelab/api/internal/handler"
	"github.com/lecturelab/api/internal/middleware"
	"github.com/lecturelab/api/internal/model"
	"github.com/lecturelab/api/internal/service"
	"github.com/lecturelab/api/internal/store"
	"github.com/lecturelab/api/internal/worker"
	ws "github.com/lecturelab/api/internal/websocket"
	"github.com/lecturelab/api/pkg/response"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testDemoCode  = "CLASS2026"
	goodDocument  = "===STUDY_GUIDE===\nKey concepts and definitions\n===TRANSCRIPT===\nFull lecture transcript"
)

// fakeStorage is an in-memory object store.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *fakeStorage) Upload(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return "", err
	}
	s.objects[key] = buf.Bytes()
	s.types[key] = contentType
	return "https://cdn.test/" + key, nil
}

func (s *fakeStorage) Fetch(_ context.Context, key string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("no such object: %s", key)
	}
	return data, s.types[key], nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.test/" + key, nil
}

func (s *fakeStorage) GetPublicURL(key string) string { return "https://cdn.test/" + key }

// fakeGenerator returns a fixed document; generateErrs feeds errors to the
// first Generate calls, one per entry, to exercise the requeue path.
type fakeGenerator struct {
	mu           sync.Mutex
	text         string
	generateErrs []error
	uploadCount  int
}

func (g *fakeGenerator) UploadFile(_ context.Context, displayName, mimeType string, _ []byte) (model.ProviderFile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploadCount++
	name := fmt.Sprintf("files/%d", g.uploadCount)
	return model.ProviderFile{Name: name, URI: "uri://" + name, MimeType: mimeType}, nil
}

func (g *fakeGenerator) GetFile(_ context.Context, name string) (client.FileInfo, error) {
	return client.FileInfo{Name: name, URI: "uri://" + name, State: client.FileStateReady}, nil
}

func (g *fakeGenerator) Generate(context.Context, string, string, []model.ProviderFile) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.generateErrs) > 0 {
		err := g.generateErrs[0]
		g.generateErrs = g.generateErrs[1:]
		return "", err
	}
	return g.text, nil
}

func (g *fakeGenerator) DeleteFile(context.Context, string) error { return nil }

func (g *fakeGenerator) IsConfigured() bool { return true }

// inlineRunner executes the pipeline synchronously inside Dispatch, so a
// run request observes the whole attempt without a queue in between.
type inlineRunner struct {
	pipeline *worker.Pipeline
}

func (r *inlineRunner) Dispatch(_ context.Context, jobID string, _ int) error {
	return r.pipeline.Run(context.Background(), jobID)
}

// testApp holds the wired application plus the fakes tests poke at.
type testApp struct {
	app       *fiber.App
	store     *store.JobStore
	storage   *fakeStorage
	generator *fakeGenerator
}

// setupApp builds the Fiber app the way main.go does, on miniredis, with
// in-memory storage and generation, and with jobs executed inline.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	storage := newFakeStorage()
	generator := &fakeGenerator{text: goodDocument}

	accessGate := gate.NewRedisGate(redisClient)
	if err := accessGate.Seed(context.Background(), &config.DemoConfig{Codes: testDemoCode + ":2", DefaultUses: 3}); err != nil {
		t.Fatalf("failed to seed demo codes: %v", err)
	}

	geminiCfg := &config.GeminiConfig{
		Model:           "gemini-2.5-flash",
		PremiumModel:    "gemini-2.5-pro",
		UploadTimeout:   time.Minute,
		PollInterval:    time.Millisecond,
		PollTimeout:     time.Second,
		GenerateTimeout: time.Minute,
	}
	jobsCfg := &config.JobsConfig{TTL: time.Hour, Staleness: 10 * time.Minute, PreviewLen: 280}

	jobStore := store.NewJobStore(redisClient, jobsCfg.TTL)
	pipeline := worker.NewPipeline(jobStore, storage, generator, hub, geminiCfg, jobsCfg)
	runner := &inlineRunner{pipeline: pipeline}

	jobService := service.NewJobService(jobStore, accessGate, runner, storage, geminiCfg, jobsCfg)
	uploadService := service.NewUploadService(storage)

	jobHandler := handler.NewJobHandler(jobService, validate)
	uploadHandler := handler.NewUploadHandler(uploadService, accessGate)

	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := "Internal Server Error"
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			return response.Error(c, code, response.CodeServiceError, message, nil)
		},
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"gemini":  generator.IsConfigured(),
				"storage": true,
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"auth":    true,
			},
		})
	})

	api := app.Group("/api", authMiddleware.Optional())

	jobs := api.Group("/jobs")
	// Very high rate limits so tests are never throttled.
	jobs.Post("/", rateLimiter.CreateLimit(10000), jobHandler.Create)
	jobs.Post("/:jobId/run", jobHandler.Run)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)

	api.Post("/uploads", rateLimiter.UploadLimit(10000), uploadHandler.Media)

	return &testApp{app: app, store: jobStore, storage: storage, generator: generator}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: "test-admin-123",
		Email:  "admin@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "lecturelab-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// seedUpload stages a blob the way the upload endpoint would and returns
// its object reference.
func (ta *testApp) seedUpload(t *testing.T, key, contentType string) string {
	t.Helper()
	ta.storage.mu.Lock()
	defer ta.storage.mu.Unlock()
	ta.storage.objects[key] = []byte("media bytes")
	ta.storage.types[key] = contentType
	return key
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request with an admin bearer token.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
